package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is one 20ms opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// silence is an opus track that writes silent frames until stopped. It stands
// in for a microphone when none is wanted and fills in while muted.
type silence struct {
	*webrtc.TrackLocalStaticSample
	stop chan struct{}
	once sync.Once
}

func newSilence(id, streamID string) (*silence, error) {
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, streamID)
	if err != nil {
		return nil, err
	}
	s := &silence{TrackLocalStaticSample: tr, stop: make(chan struct{})}
	go s.loop()
	return s, nil
}

func (s *silence) loop() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// unbound tracks drop the sample
			_ = s.WriteSample(pmedia.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}

func (s *silence) Stop() {
	s.once.Do(func() { close(s.stop) })
}
