//go:build linux && cgo && !nomic

package media

import (
	"errors"

	"github.com/dkeye/coshop/internal/adapters/rtc"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func codecSelector() (*mediadevices.CodecSelector, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params)), nil
}

// newAPI registers the capture encoder's codecs so mic tracks can bind.
func newAPI() (*webrtc.API, error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	cs.Populate(me)
	return rtc.NewAPI(me)
}

func captureMic() (webrtc.TrackLocal, func(), error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, nil, err
	}
	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "media").Interface("kind", d.Kind).Str("label", d.Label).Msg("media device")
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: cs,
	})
	if err != nil {
		return nil, nil, err
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no audio track")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	mic := tracks[0]
	mic.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("microphone track ended")
		}
	})
	return mic, func() { _ = mic.Close() }, nil
}
