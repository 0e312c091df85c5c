package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/adapters/rtc"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ManagedRelay joins the hub's relay for the room. Every participant
// negotiates only with the relay, so any number of members can answer.
type ManagedRelay struct {
	base
	ws *websocket.Dialer
}

func NewManagedRelay(opts Options) (*ManagedRelay, error) {
	if opts.Tokens == nil {
		return nil, errors.New("managed relay needs a token source")
	}
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &ManagedRelay{base: b, ws: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}, nil
}

func (p *ManagedRelay) Kind() core.ProviderKind { return core.ProviderManagedRelay }

func (p *ManagedRelay) Open(ctx context.Context, params core.SessionParams) (core.PeerSession, error) {
	sid := core.SessionID(string(params.Room) + "/" + string(params.Self.ID))
	conn, err := rtc.NewWebRTCConnection(rtc.Options{Config: p.config(), API: p.api, WaitGathering: true}, sid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	s := &relaySession{
		p:      p,
		params: params,
		conn:   conn,
		sink:   p.opts.Sink,
		log:    log.With().Str("module", "media.relay").Str("room", string(params.Room)).Logger(),
	}
	conn.OnConnected(func() {
		if params.Hooks.OnEstablished != nil {
			params.Hooks.OnEstablished()
		}
	})
	conn.OnTrack(s.onTrack)
	conn.OnClosed(s.onClosed)
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		_ = s.write(proto.RelaySignal{Type: proto.TypeRelayCandidate, Candidate: &c})
	})
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

type relaySession struct {
	p      *ManagedRelay
	params core.SessionParams
	conn   *rtc.WebRTCConnection
	sink   func(domain.UserID, *rtp.Packet)
	log    zerolog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	channel string
	closing bool
	once    sync.Once
}

// CreateOffer joins the relay; the room offer only names the channel.
func (s *relaySession) CreateOffer(ctx context.Context) (core.Negotiation, error) {
	if err := s.join(ctx); err != nil {
		return core.Negotiation{}, err
	}
	return core.Negotiation{Provider: core.ProviderManagedRelay, Channel: s.channel}, nil
}

func (s *relaySession) AcceptOffer(ctx context.Context, from domain.UserID, offer core.Negotiation) (core.Negotiation, error) {
	if offer.Provider != core.ProviderManagedRelay {
		return core.Negotiation{}, fmt.Errorf("%w: offer is not a relay offer", domain.ErrNegotiationFailure)
	}
	if err := s.join(ctx); err != nil {
		return core.Negotiation{}, err
	}
	if offer.Channel != "" && offer.Channel != s.channel {
		return core.Negotiation{}, fmt.Errorf("%w: relay channel mismatch", domain.ErrNegotiationFailure)
	}
	return core.Negotiation{Provider: core.ProviderManagedRelay, Channel: s.channel}, nil
}

// ApplyAnswer has nothing to do: answerers join the relay on their own.
func (s *relaySession) ApplyAnswer(context.Context, domain.UserID, core.Negotiation) error {
	return nil
}

// AddRemoteCandidate ignores room-channel candidates; relay candidates arrive on the relay socket.
func (s *relaySession) AddRemoteCandidate(domain.UserID, webrtc.ICECandidateInit) error {
	return nil
}

// join fetches a token, offers to the relay and waits for its answer.
func (s *relaySession) join(ctx context.Context) error {
	grant, err := s.p.opts.Tokens.RelayToken(ctx, s.params.Room, s.params.Self.ID)
	if err != nil {
		return fmt.Errorf("%w: relay token: %v", domain.ErrNegotiationFailure, err)
	}
	ws, _, err := s.p.ws.DialContext(ctx, grant.URL+"?token="+grant.Token, nil)
	if err != nil {
		return fmt.Errorf("%w: relay dial: %v", domain.ErrNegotiationFailure, err)
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("%w: session closed", domain.ErrNegotiationFailure)
	}
	s.ws, s.channel = ws, grant.Channel
	s.mu.Unlock()

	offer, err := s.conn.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	if err := s.write(proto.RelaySignal{Type: proto.TypeRelayOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}

	answered := make(chan error, 1)
	go s.readLoop(ws, answered)
	select {
	case err := <-answered:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
		}
		s.log.Info().Str("channel", s.channel).Msg("joined relay")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *relaySession) readLoop(ws *websocket.Conn, answered chan<- error) {
	first := true
	defer func() {
		if first {
			answered <- errors.New("relay closed before answering")
		}
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !first {
				s.lost(err)
			}
			return
		}
		var msg proto.RelaySignal
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("bad relay message")
			continue
		}
		switch msg.Type {
		case proto.TypeRelayAnswer:
			err := s.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
			if first {
				first = false
				answered <- err
			} else if err != nil {
				s.log.Warn().Err(err).Msg("relay answer rejected")
			}
		case proto.TypeRelayOffer:
			// the relay renegotiates whenever a participant's track is added or removed
			ans, err := s.conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
			if err != nil {
				s.log.Warn().Err(err).Msg("relay offer rejected")
				continue
			}
			_ = s.write(proto.RelaySignal{Type: proto.TypeRelayAnswer, SDP: ans.SDP})
		case proto.TypeRelayCandidate:
			if msg.Candidate != nil {
				if err := s.conn.AddICECandidate(*msg.Candidate); err != nil {
					s.log.Debug().Err(err).Msg("relay candidate rejected")
				}
			}
		case proto.TypeRelayParticipantLeft:
			if s.params.Hooks.OnParticipantLeft != nil {
				s.params.Hooks.OnParticipantLeft(msg.UserID)
			}
		case proto.TypeRelayParticipantReady:
			s.log.Debug().Str("user", string(msg.UserID)).Msg("participant publishing")
		case proto.TypeError:
			s.log.Warn().RawJSON("error", data).Msg("relay error")
		}
	}
}

func (s *relaySession) write(msg proto.RelaySignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return errors.New("relay not connected")
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteJSON(msg)
}

// onTrack maps relay tracks to participants: the relay sets the stream ID to the publisher's user ID.
func (s *relaySession) onTrack(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	uid := domain.UserID(track.StreamID())
	if uid == s.params.Self.ID {
		return
	}
	r := newRemoteAudio(uid, track, s.sink)
	if s.params.Hooks.OnParticipantJoined != nil {
		s.params.Hooks.OnParticipantJoined(r)
	}
}

func (s *relaySession) lost(err error) {
	s.mu.Lock()
	ours := s.closing
	s.mu.Unlock()
	if ours {
		return
	}
	s.log.Warn().Err(err).Msg("relay connection lost")
	if s.params.Hooks.OnFailed != nil {
		s.params.Hooks.OnFailed(fmt.Errorf("%w: relay connection lost", domain.ErrNegotiationFailure))
	}
}

func (s *relaySession) onClosed() {
	s.lost(errors.New("peer connection closed"))
}

func (s *relaySession) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		ws := s.ws
		s.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		}
		s.conn.Close()
	})
}

var (
	_ core.MediaSessionProvider = (*ManagedRelay)(nil)
	_ core.PeerSession          = (*relaySession)(nil)
)
