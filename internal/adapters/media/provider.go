// Package media implements the call media providers: DirectPeer negotiates
// one pion peer connection with the other member, ManagedRelay joins the
// hub's relay with a short-lived token. Both capture audio the same way.
package media

import (
	"context"
	"fmt"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	CaptureMic     = "mic"
	CaptureSilence = "silence"
)

type Options struct {
	Capture    string
	ICEServers []string
	// Sink receives every remote audio packet. Nil drops them.
	Sink func(from domain.UserID, pkt *rtp.Packet)
	// Tokens is required by ManagedRelay.
	Tokens core.RelayTokens
}

// NewProvider picks the variant by kind.
func NewProvider(kind core.ProviderKind, opts Options) (core.MediaSessionProvider, error) {
	switch kind {
	case core.ProviderDirectPeer:
		return NewDirectPeer(opts)
	case core.ProviderManagedRelay:
		return NewManagedRelay(opts)
	default:
		return nil, fmt.Errorf("unknown media provider %q", kind)
	}
}

// base holds what both variants share: the pion API and local capture.
type base struct {
	opts Options
	api  *webrtc.API
}

func newBase(opts Options) (base, error) {
	if opts.Capture == "" {
		opts.Capture = CaptureMic
	}
	api, err := newAPI()
	if err != nil {
		return base{}, fmt.Errorf("webrtc api: %w", err)
	}
	return base{opts: opts, api: api}, nil
}

// AcquireLocalMedia opens the configured capture source. Any failure is
// reported as domain.ErrUserDeclinedResource.
func (b base) AcquireLocalMedia(ctx context.Context) (core.LocalMedia, error) {
	var (
		track   webrtc.TrackLocal
		release func()
	)
	switch b.opts.Capture {
	case CaptureSilence:
		s, err := newSilence("audio", "coshop")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUserDeclinedResource, err)
		}
		track, release = s, s.Stop
	default:
		t, rel, err := captureMic()
		if err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("microphone capture failed")
			return nil, fmt.Errorf("%w: %v", domain.ErrUserDeclinedResource, err)
		}
		track, release = t, rel
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}
	return newLocalMedia(track, release), nil
}

func (b base) config() webrtc.Configuration {
	if len(b.opts.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: b.opts.ICEServers}}}
}
