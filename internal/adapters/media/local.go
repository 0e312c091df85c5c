package media

import (
	"errors"
	"sync"

	"github.com/dkeye/coshop/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrMediaClosed = errors.New("local media closed")

// localMedia owns one captured track. Muting swaps every sender over to a
// silent track so no renegotiation is needed.
type localMedia struct {
	live    webrtc.TrackLocal
	release func()

	mu      sync.Mutex
	quiet   *silence
	senders []*webrtc.RTPSender
	muted   bool
	closed  bool
}

func newLocalMedia(track webrtc.TrackLocal, release func()) *localMedia {
	return &localMedia{live: track, release: release}
}

func (l *localMedia) AttachTo(pc *webrtc.PeerConnection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrMediaClosed
	}
	track, err := l.current()
	if err != nil {
		return err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	l.senders = append(l.senders, sender)
	go drainRTCP(sender)
	return nil
}

// current must be called with mu held.
func (l *localMedia) current() (webrtc.TrackLocal, error) {
	if !l.muted {
		return l.live, nil
	}
	if l.quiet == nil {
		q, err := newSilence(l.live.ID()+"-muted", l.live.StreamID())
		if err != nil {
			return nil, err
		}
		l.quiet = q
	}
	return l.quiet, nil
}

func (l *localMedia) SetMuted(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrMediaClosed
	}
	if l.muted == muted {
		return nil
	}
	l.muted = muted
	track, err := l.current()
	if err != nil {
		l.muted = !muted
		return err
	}
	for _, s := range l.senders {
		if err := s.ReplaceTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (l *localMedia) Muted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

func (l *localMedia) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.quiet != nil {
		l.quiet.Stop()
	}
	if l.release != nil {
		l.release()
	}
	l.senders = nil
	return nil
}

// drainRTCP keeps the interceptors fed; it ends when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

var _ core.LocalMedia = (*localMedia)(nil)
