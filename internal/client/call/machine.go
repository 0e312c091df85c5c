// Package call implements the per-room voice call state machine.
//
// The machine is driven from a single loop goroutine. Media capture and
// negotiation run through a Scheduler and resume on the loop; each resume
// carries the attempt it was started for and is dropped, releasing whatever
// it produced, when the call has moved on in the meantime.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Reject reasons carried by call-reject.
const (
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonUnavailable = "unavailable"
)

// maxBufferedCandidates bounds the per-sender candidate buffer.
const maxBufferedCandidates = 64

type Emitter interface {
	Emit(msg any) error
	Connected() bool
}

type Config struct {
	Room     domain.RoomCode
	Self     domain.User
	Bus      Emitter
	Provider core.MediaSessionProvider
	Sched    Scheduler
	// Others lists the present members except self.
	Others func() []domain.UserID
	// NegotiationTimeout bounds Outgoing and Connecting. Zero disables it.
	NegotiationTimeout time.Duration
	// OnChange is called on the loop after every visible change.
	OnChange func()
}

type Status struct {
	State        State           `json:"state"`
	Role         Role            `json:"role"`
	Muted        bool            `json:"muted"`
	Participants []domain.UserID `json:"participants"`
	PendingFrom  *domain.User    `json:"pendingFrom,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

type pendingOffer struct {
	offer      core.Negotiation
	from       domain.User
	candidates []webrtc.ICECandidateInit
}

type Machine struct {
	cfg Config
	log zerolog.Logger

	state   State
	role    Role
	attempt uint64
	actx    context.Context
	cancel  context.CancelFunc
	stop    func() bool

	media        core.LocalMedia
	peer         core.PeerSession
	participants map[domain.UserID]core.RemoteAudio
	pending      *pendingOffer
	caller       domain.UserID

	remoteBuf  map[domain.UserID][]webrtc.ICECandidateInit
	localQueue []webrtc.ICECandidateInit
	signaled   bool
	early      bool
	declined   map[domain.UserID]bool

	muted   bool
	lastErr error
}

func NewMachine(cfg Config) *Machine {
	if cfg.Others == nil {
		cfg.Others = func() []domain.UserID { return nil }
	}
	return &Machine{
		cfg:          cfg,
		log:          log.With().Str("module", "call").Str("room", string(cfg.Room)).Logger(),
		participants: make(map[domain.UserID]core.RemoteAudio),
		remoteBuf:    make(map[domain.UserID][]webrtc.ICECandidateInit),
		declined:     make(map[domain.UserID]bool),
	}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) LastErr() error { return m.lastErr }

// HasMedia reports whether a local media handle is currently held.
func (m *Machine) HasMedia() bool { return m.media != nil }

func (m *Machine) Status() Status {
	st := Status{
		State:        m.state,
		Role:         m.role,
		Muted:        m.muted,
		Participants: make([]domain.UserID, 0, len(m.participants)),
	}
	for id := range m.participants {
		st.Participants = append(st.Participants, id)
	}
	sort.Slice(st.Participants, func(i, j int) bool { return st.Participants[i] < st.Participants[j] })
	if m.pending != nil {
		from := m.pending.from
		st.PendingFrom = &from
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Start places a call to the room.
func (m *Machine) Start() error {
	if m.state != Idle {
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, m.state)
	}
	if !m.cfg.Bus.Connected() {
		return domain.ErrTransportUnavailable
	}
	m.dropBuffers()
	m.role = RoleCaller
	m.lastErr = nil
	a, ctx := m.begin(Outgoing)
	m.log.Info().Uint64("attempt", a).Msg("starting call")

	p := m.cfg.Provider
	hooks := m.hooks(a)
	m.cfg.Sched.Async(func() func() {
		media, err := p.AcquireLocalMedia(ctx)
		if err != nil {
			return func() { m.captureFailed(a, err) }
		}
		peer, err := p.Open(ctx, core.SessionParams{Room: m.cfg.Room, Self: m.cfg.Self, Media: media, Hooks: hooks})
		if err != nil {
			_ = media.Close()
			return func() { m.negotiationFailed(a, err) }
		}
		offer, err := peer.CreateOffer(ctx)
		if err != nil {
			peer.Close()
			_ = media.Close()
			return func() { m.negotiationFailed(a, err) }
		}
		return func() { m.offerReady(a, media, peer, offer) }
	})
	m.changed()
	return nil
}

// Accept answers the pending offer.
func (m *Machine) Accept() error {
	if m.state != IncomingPending || m.pending == nil {
		return domain.ErrNoPendingOffer
	}
	if !m.cfg.Bus.Connected() {
		return domain.ErrTransportUnavailable
	}
	p := m.pending
	m.pending = nil
	m.caller = p.from.ID
	m.remoteBuf[p.from.ID] = append(p.candidates, m.remoteBuf[p.from.ID]...)
	m.lastErr = nil
	a, ctx := m.begin(Connecting)
	m.log.Info().Uint64("attempt", a).Str("caller", string(p.from.ID)).Msg("accepting call")

	prov := m.cfg.Provider
	hooks := m.hooks(a)
	m.cfg.Sched.Async(func() func() {
		media, err := prov.AcquireLocalMedia(ctx)
		if err != nil {
			return func() { m.captureFailed(a, err) }
		}
		peer, err := prov.Open(ctx, core.SessionParams{Room: m.cfg.Room, Self: m.cfg.Self, Media: media, Hooks: hooks})
		if err != nil {
			_ = media.Close()
			return func() { m.negotiationFailed(a, err) }
		}
		answer, err := peer.AcceptOffer(ctx, p.from.ID, p.offer)
		if err != nil {
			peer.Close()
			_ = media.Close()
			return func() { m.negotiationFailed(a, err) }
		}
		return func() { m.answerReady(a, media, peer, answer) }
	})
	m.changed()
	return nil
}

// Decline drops the pending offer and tells the caller.
func (m *Machine) Decline() error {
	if m.state != IncomingPending || m.pending == nil {
		return domain.ErrNoPendingOffer
	}
	to := m.pending.from.ID
	if err := m.cfg.Bus.Emit(proto.CallReject{Type: proto.TypeCallReject, Reason: ReasonDeclined, ToUser: to}); err != nil {
		m.log.Warn().Err(err).Msg("call-reject not delivered")
	}
	m.log.Info().Str("caller", string(to)).Msg("declined call")
	m.toIdle(nil)
	return nil
}

// End hangs up an outgoing, connecting or active call.
func (m *Machine) End() error {
	if !m.state.InCall() {
		return fmt.Errorf("%w: end from %s", domain.ErrInvalidTransition, m.state)
	}
	m.hangup()
	m.teardown(nil)
	return nil
}

// Terminate ends whatever is in progress. Used when the room is left or ended.
func (m *Machine) Terminate(notifyPeers bool) {
	switch {
	case m.state.InCall():
		if notifyPeers {
			m.hangup()
		}
		m.teardown(nil)
	case m.state == IncomingPending:
		m.toIdle(nil)
	default:
		m.dropBuffers()
	}
}

func (m *Machine) SetMuted(muted bool) error {
	switch m.state {
	case IncomingPending, Connecting, Active:
	default:
		return fmt.Errorf("%w: mute in %s", domain.ErrInvalidTransition, m.state)
	}
	m.muted = muted
	if m.media != nil {
		if err := m.media.SetMuted(muted); err != nil {
			return err
		}
	}
	m.changed()
	return nil
}

// HandleOffer processes a call-offer from another member.
func (m *Machine) HandleOffer(from domain.User, offer core.Negotiation) {
	switch m.state {
	case Idle:
		m.pending = &pendingOffer{offer: offer, from: from, candidates: m.remoteBuf[from.ID]}
		delete(m.remoteBuf, from.ID)
		m.state = IncomingPending
		m.role = RoleCallee
		m.lastErr = nil
		m.log.Info().Str("from", string(from.ID)).Msg("incoming call")
		m.changed()
	case IncomingPending:
		m.log.Info().Str("from", string(from.ID)).Str("previous", string(m.pending.from.ID)).Msg("pending offer superseded")
		if m.pending.from.ID == from.ID {
			m.pending.offer = offer
			m.pending.candidates = nil
		} else {
			m.pending = &pendingOffer{offer: offer, from: from, candidates: m.remoteBuf[from.ID]}
			delete(m.remoteBuf, from.ID)
		}
		m.changed()
	default:
		m.log.Info().Str("from", string(from.ID)).Str("state", m.state.String()).Msg("busy, rejecting offer")
		if err := m.cfg.Bus.Emit(proto.CallReject{Type: proto.TypeCallReject, Reason: ReasonBusy, ToUser: from.ID}); err != nil {
			m.log.Warn().Err(err).Msg("busy reject not delivered")
		}
	}
}

// HandleAnswer processes a call-answer addressed to this member.
func (m *Machine) HandleAnswer(from domain.UserID, answer core.Negotiation) {
	if m.role != RoleCaller || (m.state != Outgoing && m.state != Active) || m.peer == nil {
		m.log.Debug().Str("from", string(from)).Str("state", m.state.String()).Msg("answer ignored")
		return
	}
	a := m.attempt
	peer := m.peer
	ctx := m.actx
	delete(m.declined, from)
	m.cfg.Sched.Async(func() func() {
		err := peer.ApplyAnswer(ctx, from, answer)
		return func() { m.answerApplied(a, from, err) }
	})
}

// HandleCandidate routes a remote ICE candidate to the peer session or buffers it.
func (m *Machine) HandleCandidate(from domain.UserID, c webrtc.ICECandidateInit) {
	switch {
	case m.state == IncomingPending && from == m.pending.from.ID:
		m.pending.candidates = append(m.pending.candidates, c)
	case m.peer != nil:
		if err := m.peer.AddRemoteCandidate(from, c); err != nil {
			m.log.Warn().Err(err).Str("from", string(from)).Msg("remote candidate rejected")
		}
	default:
		buf := m.remoteBuf[from]
		if len(buf) >= maxBufferedCandidates {
			buf = buf[1:]
		}
		m.remoteBuf[from] = append(buf, c)
	}
}

// HandleReject records a call-reject addressed to this member.
func (m *Machine) HandleReject(from domain.UserID, reason string) {
	switch {
	case m.role == RoleCaller && m.state.InCall():
		m.declined[from] = true
		m.log.Info().Str("from", string(from)).Str("reason", reason).Msg("call rejected")
		m.checkDeclined()
	case m.role == RoleCallee && m.state.InCall() && from == m.caller:
		m.log.Info().Str("reason", reason).Msg("caller rejected our answer")
		m.teardown(fmt.Errorf("%w: %s", domain.ErrCallDeclined, reason))
	}
}

// HandleHangup processes a call-hangup from another member.
func (m *Machine) HandleHangup(from domain.UserID) {
	switch {
	case m.state == IncomingPending && from == m.pending.from.ID:
		m.log.Info().Str("from", string(from)).Msg("caller hung up before answer")
		m.toIdle(nil)
	case m.state == Connecting && from == m.caller:
		m.teardown(nil)
	default:
		m.removeParticipant(from)
	}
}

// HandleMemberLeft drops everything tied to a member that left the room.
func (m *Machine) HandleMemberLeft(id domain.UserID) {
	delete(m.remoteBuf, id)
	switch {
	case m.state == IncomingPending && id == m.pending.from.ID:
		m.toIdle(nil)
	case m.state == Connecting && id == m.caller:
		m.teardown(nil)
	default:
		m.removeParticipant(id)
		if m.role == RoleCaller && m.state == Outgoing {
			m.checkDeclined()
		}
	}
}

func (m *Machine) begin(next State) (uint64, context.Context) {
	m.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	m.actx, m.cancel = ctx, cancel
	m.state = next
	m.signaled = false
	m.early = false
	if d := m.cfg.NegotiationTimeout; d > 0 {
		a := m.attempt
		m.stop = m.cfg.Sched.After(d, func() { m.timedOut(a) })
	}
	return m.attempt, ctx
}

func (m *Machine) current(a uint64) bool { return a == m.attempt && m.state.InCall() }

func (m *Machine) hooks(a uint64) core.SessionHooks {
	post := m.cfg.Sched.Post
	return core.SessionHooks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			post(func() { m.localCandidate(a, c) })
		},
		OnParticipantJoined: func(r core.RemoteAudio) {
			post(func() { m.participantJoined(a, r) })
		},
		OnParticipantLeft: func(id domain.UserID) {
			post(func() {
				if a == m.attempt {
					m.removeParticipant(id)
				}
			})
		},
		OnEstablished: func() {
			post(func() { m.established(a) })
		},
		OnFailed: func(err error) {
			post(func() { m.negotiationFailed(a, err) })
		},
	}
}

func (m *Machine) offerReady(a uint64, media core.LocalMedia, peer core.PeerSession, offer core.Negotiation) {
	if !m.current(a) || m.state != Outgoing {
		m.log.Debug().Uint64("attempt", a).Msg("stale offer released")
		peer.Close()
		_ = media.Close()
		return
	}
	m.adopt(media, peer)
	self := m.cfg.Self
	err := m.cfg.Bus.Emit(proto.CallOffer{Type: proto.TypeCallOffer, Offer: offer, RoomCode: m.cfg.Room, FromUser: &self})
	if err != nil {
		m.teardown(err)
		return
	}
	m.signaled = true
	m.flushLocal("")
	m.flushRemote()
	m.changed()
}

func (m *Machine) answerReady(a uint64, media core.LocalMedia, peer core.PeerSession, answer core.Negotiation) {
	if !m.current(a) || m.state != Connecting {
		m.log.Debug().Uint64("attempt", a).Msg("stale answer released")
		peer.Close()
		_ = media.Close()
		return
	}
	m.adopt(media, peer)
	err := m.cfg.Bus.Emit(proto.CallAnswer{Type: proto.TypeCallAnswer, Answer: answer, ToUser: m.caller})
	if err != nil {
		m.teardown(err)
		return
	}
	m.signaled = true
	m.flushLocal(m.caller)
	m.flushRemote()
	if m.early {
		m.activate()
		return
	}
	m.changed()
}

func (m *Machine) answerApplied(a uint64, from domain.UserID, err error) {
	if !m.current(a) {
		return
	}
	switch {
	case errors.Is(err, core.ErrPeerBusy):
		m.log.Info().Str("from", string(from)).Msg("extra answer, rejecting as busy")
		if err := m.cfg.Bus.Emit(proto.CallReject{Type: proto.TypeCallReject, Reason: ReasonBusy, ToUser: from}); err != nil {
			m.log.Warn().Err(err).Msg("busy reject not delivered")
		}
	case err != nil:
		m.negotiationFailed(a, err)
	case m.state == Outgoing:
		m.activate()
	}
}

func (m *Machine) adopt(media core.LocalMedia, peer core.PeerSession) {
	m.media = media
	m.peer = peer
	if err := media.SetMuted(m.muted); err != nil {
		m.log.Warn().Err(err).Msg("apply mute")
	}
}

func (m *Machine) activate() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	m.state = Active
	m.log.Info().Uint64("attempt", m.attempt).Msg("call active")
	m.changed()
}

func (m *Machine) established(a uint64) {
	if !m.current(a) {
		return
	}
	switch {
	case m.state == Connecting && m.signaled:
		m.activate()
	case m.state == Connecting || m.state == Outgoing:
		m.early = true
	}
}

func (m *Machine) localCandidate(a uint64, c webrtc.ICECandidateInit) {
	if !m.current(a) {
		return
	}
	if !m.signaled {
		m.localQueue = append(m.localQueue, c)
		return
	}
	to := domain.UserID("")
	if m.role == RoleCallee {
		to = m.caller
	}
	m.sendCandidate(to, c)
}

func (m *Machine) flushLocal(to domain.UserID) {
	for _, c := range m.localQueue {
		m.sendCandidate(to, c)
	}
	m.localQueue = nil
}

func (m *Machine) sendCandidate(to domain.UserID, c webrtc.ICECandidateInit) {
	err := m.cfg.Bus.Emit(proto.ICECandidate{Type: proto.TypeICECandidate, Candidate: c, ToUser: to})
	if err != nil {
		m.log.Warn().Err(err).Msg("local candidate not delivered")
	}
}

func (m *Machine) flushRemote() {
	for from, buf := range m.remoteBuf {
		for _, c := range buf {
			if err := m.peer.AddRemoteCandidate(from, c); err != nil {
				m.log.Warn().Err(err).Str("from", string(from)).Msg("buffered candidate rejected")
			}
		}
		delete(m.remoteBuf, from)
	}
}

func (m *Machine) participantJoined(a uint64, r core.RemoteAudio) {
	if !m.current(a) {
		r.Close()
		return
	}
	if old, ok := m.participants[r.UserID()]; ok && old != r {
		old.Close()
	}
	m.participants[r.UserID()] = r
	delete(m.declined, r.UserID())
	m.log.Info().Str("user", string(r.UserID())).Msg("participant joined")
	m.changed()
}

func (m *Machine) removeParticipant(id domain.UserID) {
	r, ok := m.participants[id]
	if !ok {
		return
	}
	r.Close()
	delete(m.participants, id)
	m.log.Info().Str("user", string(id)).Msg("participant left")
	m.changed()
}

// checkDeclined ends an unanswered call once every other present member declined.
func (m *Machine) checkDeclined() {
	if len(m.participants) > 0 || len(m.declined) == 0 {
		return
	}
	for _, id := range m.cfg.Others() {
		if !m.declined[id] {
			return
		}
	}
	m.teardown(domain.ErrCallDeclined)
}

func (m *Machine) captureFailed(a uint64, err error) {
	if !m.current(a) {
		return
	}
	m.log.Warn().Err(err).Msg("local media unavailable")
	if m.role == RoleCallee {
		if err := m.cfg.Bus.Emit(proto.CallReject{Type: proto.TypeCallReject, Reason: ReasonUnavailable, ToUser: m.caller}); err != nil {
			m.log.Warn().Err(err).Msg("call-reject not delivered")
		}
	}
	m.teardown(wrap(domain.ErrUserDeclinedResource, err))
}

func (m *Machine) negotiationFailed(a uint64, err error) {
	if !m.current(a) {
		return
	}
	m.log.Warn().Err(err).Msg("negotiation failed")
	m.hangup()
	m.teardown(wrap(domain.ErrNegotiationFailure, err))
}

func (m *Machine) timedOut(a uint64) {
	if a != m.attempt || (m.state != Outgoing && m.state != Connecting) {
		return
	}
	m.log.Warn().Dur("after", m.cfg.NegotiationTimeout).Msg("negotiation timed out")
	m.stop = nil
	m.hangup()
	m.teardown(domain.ErrNegotiationTimeout)
}

func (m *Machine) hangup() {
	if err := m.cfg.Bus.Emit(proto.CallHangup{Type: proto.TypeCallHangup}); err != nil {
		m.log.Debug().Err(err).Msg("call-hangup not delivered")
	}
}

// teardown releases everything and passes through Ended to Idle.
func (m *Machine) teardown(cause error) {
	if m.state.InCall() {
		m.state = Ended
		m.release()
		m.changed()
	}
	m.toIdle(cause)
}

func (m *Machine) release() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	m.attempt++
	if m.media != nil {
		if err := m.media.Close(); err != nil {
			m.log.Warn().Err(err).Msg("release media")
		}
		m.media = nil
	}
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	for id, r := range m.participants {
		r.Close()
		delete(m.participants, id)
	}
}

func (m *Machine) toIdle(cause error) {
	m.release()
	m.dropBuffers()
	m.pending = nil
	m.caller = ""
	m.state = Idle
	m.role = RoleNone
	m.muted = false
	m.lastErr = cause
	if cause != nil {
		m.log.Info().Err(cause).Msg("call ended")
	}
	m.changed()
}

func (m *Machine) dropBuffers() {
	clear(m.remoteBuf)
	clear(m.declined)
	m.localQueue = nil
	m.signaled = false
	m.early = false
}

func (m *Machine) changed() {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange()
	}
}

func wrap(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
