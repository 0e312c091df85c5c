package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/coshop/internal/adapters/rtc"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirectPeer negotiates one peer connection straight with the other member.
// Candidates trickle over the room event channel.
type DirectPeer struct {
	base
}

func NewDirectPeer(opts Options) (*DirectPeer, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &DirectPeer{base: b}, nil
}

func (p *DirectPeer) Kind() core.ProviderKind { return core.ProviderDirectPeer }

func (p *DirectPeer) Open(ctx context.Context, params core.SessionParams) (core.PeerSession, error) {
	sid := core.SessionID(string(params.Room) + "/" + string(params.Self.ID))
	conn, err := rtc.NewWebRTCConnection(rtc.Options{Config: p.config(), API: p.api}, sid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	s := &directSession{
		conn:  conn,
		hooks: params.Hooks,
		sink:  p.opts.Sink,
		log:   log.With().Str("module", "media.direct").Str("room", string(params.Room)).Logger(),
	}
	if params.Hooks.OnLocalCandidate != nil {
		conn.OnICECandidate(params.Hooks.OnLocalCandidate)
	}
	conn.OnConnected(s.connected)
	conn.OnTrack(s.onTrack)
	conn.OnClosed(s.onClosed)
	// the connection lives until Close, not until the negotiation ctx ends
	if err := conn.Start(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := params.Media.AttachTo(conn.PeerConnection()); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: attach media: %v", domain.ErrNegotiationFailure, err)
	}
	return s, nil
}

type directSession struct {
	conn  *rtc.WebRTCConnection
	hooks core.SessionHooks
	sink  func(domain.UserID, *rtp.Packet)
	log   zerolog.Logger

	mu      sync.Mutex
	peer    domain.UserID
	closing bool
	// unbound holds candidates that raced ahead of their sender's answer.
	unbound map[domain.UserID][]webrtc.ICECandidateInit
}

const maxUnbound = 64

func (s *directSession) CreateOffer(ctx context.Context) (core.Negotiation, error) {
	sd, err := s.conn.CreateAndSetOffer()
	if err != nil {
		return core.Negotiation{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	return core.Negotiation{Provider: core.ProviderDirectPeer, SDP: sd}, nil
}

func (s *directSession) AcceptOffer(ctx context.Context, from domain.UserID, offer core.Negotiation) (core.Negotiation, error) {
	if offer.Provider != core.ProviderDirectPeer || offer.SDP == nil {
		return core.Negotiation{}, fmt.Errorf("%w: offer is not a direct peer offer", domain.ErrNegotiationFailure)
	}
	s.mu.Lock()
	s.peer = from
	s.mu.Unlock()
	sd, err := s.conn.ApplyOfferAndCreateAnswer(*offer.SDP)
	if err != nil {
		return core.Negotiation{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	return core.Negotiation{Provider: core.ProviderDirectPeer, SDP: sd}, nil
}

// ApplyAnswer binds the session to the first answerer; later answerers get core.ErrPeerBusy.
func (s *directSession) ApplyAnswer(ctx context.Context, from domain.UserID, answer core.Negotiation) error {
	if answer.SDP == nil {
		return fmt.Errorf("%w: empty answer", domain.ErrNegotiationFailure)
	}
	s.mu.Lock()
	if s.peer != "" {
		s.mu.Unlock()
		return core.ErrPeerBusy
	}
	s.peer = from
	early := s.unbound[from]
	s.unbound = nil
	s.mu.Unlock()
	if err := s.conn.ApplyAnswer(*answer.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	for _, c := range early {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("early candidate rejected")
		}
	}
	return nil
}

// AddRemoteCandidate ignores candidates from anyone but the bound peer.
// Before any answer is applied they are held per sender.
func (s *directSession) AddRemoteCandidate(from domain.UserID, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	peer := s.peer
	if peer == "" {
		if s.unbound == nil {
			s.unbound = make(map[domain.UserID][]webrtc.ICECandidateInit)
		}
		if len(s.unbound[from]) < maxUnbound {
			s.unbound[from] = append(s.unbound[from], c)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if from != peer {
		s.log.Debug().Str("from", string(from)).Msg("candidate from unbound peer ignored")
		return nil
	}
	return s.conn.AddICECandidate(c)
}

func (s *directSession) connected() {
	if s.hooks.OnEstablished != nil {
		s.hooks.OnEstablished()
	}
}

func (s *directSession) onTrack(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	r := newRemoteAudio(peer, track, s.sink)
	if s.hooks.OnParticipantJoined != nil {
		s.hooks.OnParticipantJoined(r)
	}
}

func (s *directSession) onClosed() {
	s.mu.Lock()
	ours := s.closing
	peer := s.peer
	s.mu.Unlock()
	if ours {
		return
	}
	s.log.Warn().Str("peer", string(peer)).Msg("peer connection lost")
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(fmt.Errorf("%w: peer connection lost", domain.ErrNegotiationFailure))
	}
}

func (s *directSession) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.conn.Close()
}

var (
	_ core.MediaSessionProvider = (*DirectPeer)(nil)
	_ core.PeerSession          = (*directSession)(nil)
)
