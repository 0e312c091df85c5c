package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/coshop/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

// Options tune one connection. A nil API means DefaultAPI.
type Options struct {
	Config webrtc.Configuration
	API    *webrtc.API
	// WaitGathering puts every local candidate into the SDP instead of trickling them.
	WaitGathering bool
}

type WebRTCConnection struct {
	pc   *webrtc.PeerConnection
	sid  core.SessionID
	wait bool

	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	connOnce  sync.Once

	// mu guards the callbacks and the remote candidate buffer.
	mu            sync.Mutex
	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed      func()
	onConnected   func()
	onRenegotiate func(webrtc.SessionDescription)
	early         []webrtc.ICECandidateInit

	// negMu serializes offer/answer exchanges.
	negMu   sync.Mutex
	pending bool
}

func DefaultWebRTCConfig(iceServers ...string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func NewWebRTCConnection(opts Options, sid core.SessionID) (*WebRTCConnection, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = DefaultAPI(); err != nil {
			return nil, err
		}
	}
	pc, err := api.NewPeerConnection(opts.Config)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, sid: sid, wait: opts.WaitGathering}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	lg := log.With().Str("module", "webrtc").Str("sid", string(c.sid)).Logger()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		lg.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		lg.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.connOnce.Do(func() {
				if fn := c.connectedCb(); fn != nil {
					fn()
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// pc.Close must not run inside pion's own callback.
			go c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		lg.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})

	return nil
}

func (c *WebRTCConnection) connectedCb() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onConnected
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	c.flushEarly()
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(answer)
}

func (c *WebRTCConnection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	return c.createOffer()
}

func (c *WebRTCConnection) createOffer() (*webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(offer)
}

func (c *WebRTCConnection) setLocal(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	var gatherComplete <-chan struct{}
	if c.wait {
		gatherComplete = webrtc.GatheringCompletePromise(c.pc)
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	if gatherComplete != nil {
		<-gatherComplete
	}
	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.negMu.Lock()
	if c.closed.Load() {
		c.negMu.Unlock()
		return ErrClosed
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		c.negMu.Unlock()
		return err
	}
	c.flushEarly()
	again := c.pending
	c.pending = false
	c.negMu.Unlock()
	if again {
		return c.Renegotiate()
	}
	return nil
}

// ResumePending renegotiates if a request came in while a remote offer was
// being answered. Call it once that answer has been delivered.
func (c *WebRTCConnection) ResumePending() error {
	c.negMu.Lock()
	again := c.pending
	c.pending = false
	c.negMu.Unlock()
	if again {
		return c.Renegotiate()
	}
	return nil
}

// Renegotiate sends a new offer through the OnRenegotiate callback. While an
// offer is still waiting for its answer the request is remembered instead.
func (c *WebRTCConnection) Renegotiate() error {
	c.negMu.Lock()
	if c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.pending = true
		c.negMu.Unlock()
		return nil
	}
	offer, err := c.createOffer()
	c.negMu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	fn := c.onRenegotiate
	c.mu.Unlock()
	if fn != nil {
		fn(*offer)
	}
	return nil
}

func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("closed")
		}
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

// AddICECandidate holds candidates that arrive before the remote description.
func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc.RemoteDescription() == nil {
		c.early = append(c.early, ci)
		return nil
	}
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) flushEarly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ci := range c.early {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("buffered candidate rejected")
		}
	}
	c.early = nil
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) PeerConnection() *webrtc.PeerConnection { return c.pc }

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for cleanup tracks
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnRenegotiate(fn func(webrtc.SessionDescription)) {
	c.mu.Lock()
	c.onRenegotiate = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *WebRTCConnection) RemoveLocalTrack(sender *webrtc.RTPSender) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.pc.RemoveTrack(sender)
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)
