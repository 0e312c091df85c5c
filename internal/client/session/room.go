package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/client/call"
	"github.com/dkeye/coshop/internal/client/cart"
	"github.com/dkeye/coshop/internal/client/presence"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TransportConnected    = "connected"
	TransportReconnecting = "reconnecting"
	TransportClosed       = "closed"
)

// Room is one joined room. A single goroutine (run) owns presence, call and
// cart state; everything else reaches it by posting closures.
type Room struct {
	code domain.RoomCode
	self domain.User
	bus  core.EventBus
	dir  core.RoomDirectory
	st   core.StateStore
	log  zerolog.Logger

	presence *presence.Store
	call     *call.Machine
	cart     *cart.Engine

	transport string
	focus     *Focus
	serverErr string
	closed    bool
	reason    error

	inbox   chan func()
	stopped chan struct{}
	lateMu  sync.Mutex

	// Provider hooks are queued here to keep their order without blocking pion.
	hookMu   sync.Mutex
	hookQ    []func()
	hookDone bool
	wake     chan struct{}

	onStatus func(Status)
	onClosed func(*Room, error)
}

type roomParams struct {
	code     domain.RoomCode
	self     domain.User
	bus      core.EventBus
	dir      core.RoomDirectory
	store    core.StateStore
	provider core.MediaSessionProvider
	timeout  time.Duration
	onStatus func(Status)
	onClosed func(*Room, error)
}

func newRoom(p roomParams) *Room {
	r := &Room{
		code:      p.code,
		self:      p.self,
		bus:       p.bus,
		dir:       p.dir,
		st:        p.store,
		log:       log.With().Str("module", "session.room").Str("room", string(p.code)).Logger(),
		presence:  presence.NewStore(p.dir),
		cart:      cart.NewEngine(p.code, p.self.ID, p.bus),
		transport: TransportConnected,
		inbox:     make(chan func()),
		stopped:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		onStatus:  p.onStatus,
		onClosed:  p.onClosed,
	}
	if !p.bus.Connected() {
		r.transport = TransportReconnecting
	}
	r.call = call.NewMachine(call.Config{
		Room:               p.code,
		Self:               p.self,
		Bus:                p.bus,
		Provider:           p.provider,
		Sched:              loopScheduler{r},
		Others:             r.others,
		NegotiationTimeout: p.timeout,
		OnChange:           r.publish,
	})
	return r
}

func (r *Room) Code() domain.RoomCode { return r.code }

// enter announces self and loads both snapshots. Called before run starts.
func (r *Room) enter(ctx context.Context) error {
	if err := r.bus.Emit(proto.JoinRoom{Type: proto.TypeJoinRoom, RoomCode: r.code, UserID: r.self.ID}); err != nil {
		return err
	}
	if _, err := r.presence.Snapshot(ctx, r.code); err != nil {
		return err
	}
	r.presence.OnMemberJoined(r.self)
	snap, err := r.dir.Cart(ctx, r.code)
	if err != nil {
		return err
	}
	if err := r.cart.ApplySnapshot(snap); err != nil && !errors.Is(err, domain.ErrStaleSnapshot) {
		return err
	}
	if err := r.st.SaveRoom(ctx, r.code); err != nil {
		r.log.Warn().Err(err).Msg("persist room")
	}
	return nil
}

func (r *Room) run() {
	defer r.drainHooks()
	defer close(r.stopped)
	events := r.bus.Events()
	r.publish()
	for !r.closed {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.wake:
			r.hookMu.Lock()
			q := r.hookQ
			r.hookQ = nil
			r.hookMu.Unlock()
			for _, fn := range q {
				fn()
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				r.shutdown(domain.ErrTransportUnavailable, false, false)
				continue
			}
			r.reduce(ev)
		}
	}
	r.log.Info().Msg("room loop stopped")
}

// post hands fn to the loop. Once the loop is gone fn runs under lateMu so
// late resumes still release what they hold.
func (r *Room) post(fn func()) {
	select {
	case r.inbox <- fn:
	case <-r.stopped:
		r.lateMu.Lock()
		defer r.lateMu.Unlock()
		fn()
	}
}

func (r *Room) postHook(fn func()) {
	r.hookMu.Lock()
	if r.hookDone {
		r.hookMu.Unlock()
		r.lateMu.Lock()
		defer r.lateMu.Unlock()
		fn()
		return
	}
	r.hookQ = append(r.hookQ, fn)
	r.hookMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Room) drainHooks() {
	r.hookMu.Lock()
	r.hookDone = true
	q := r.hookQ
	r.hookQ = nil
	r.hookMu.Unlock()
	r.lateMu.Lock()
	defer r.lateMu.Unlock()
	for _, fn := range q {
		fn()
	}
}

// do runs fn on the loop and waits for its result.
func (r *Room) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	go r.post(func() {
		if r.closed {
			res <- domain.ErrNotInRoom
			return
		}
		res <- fn()
	})
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reduce is the single dispatch point for inbound room events.
func (r *Room) reduce(ev core.Event) {
	r.log.Debug().Str("event", ev.Kind().String()).Msg("event")
	switch e := ev.(type) {
	case core.MemberJoined:
		r.presence.OnMemberJoined(e.User)
	case core.MemberLeft:
		r.presence.OnMemberLeft(e.UserID)
		r.call.HandleMemberLeft(e.UserID)
	case core.RoomEnded:
		r.log.Info().Msg("room ended by host")
		r.shutdown(domain.ErrRoomEnded, false, true)
		return
	case core.CallOffer:
		r.call.HandleOffer(e.From, e.Offer)
	case core.CallAnswer:
		r.call.HandleAnswer(e.From, e.Answer)
	case core.ICECandidate:
		r.call.HandleCandidate(e.From, e.Candidate)
	case core.CallRejected:
		r.call.HandleReject(e.From, e.Reason)
	case core.CallHungUp:
		r.call.HandleHangup(e.From)
	case core.CartSnapshot:
		if err := r.cart.ApplySnapshot(e.Snapshot); err != nil {
			r.log.Debug().Err(err).Uint64("seq", e.Snapshot.Seq).Msg("cart snapshot not applied")
		}
	case core.ProductFocused:
		r.focus = &Focus{ProductID: e.ProductID, By: e.By}
	case core.TransportChanged:
		r.onTransport(e)
	case core.ServerError:
		r.log.Warn().Str("code", e.Code).Str("error", e.Message).Msg("hub error")
		r.serverErr = e.Code + ": " + e.Message
	}
	r.publish()
}

func (r *Room) onTransport(e core.TransportChanged) {
	if !e.Connected {
		r.transport = TransportReconnecting
		return
	}
	r.transport = TransportConnected
	if e.Reconnected {
		r.resync()
	}
}

// resync rejoins after a reconnect and reloads both snapshots off the loop.
func (r *Room) resync() {
	r.log.Info().Msg("transport back, resyncing")
	if err := r.bus.Emit(proto.JoinRoom{Type: proto.TypeJoinRoom, RoomCode: r.code, UserID: r.self.ID}); err != nil {
		r.log.Warn().Err(err).Msg("rejoin")
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		members, merr := r.dir.Members(ctx, r.code)
		snap, cerr := r.dir.Cart(ctx, r.code)
		r.post(func() {
			if r.closed {
				return
			}
			if merr == nil {
				if err := r.presence.Apply(members); err == nil {
					r.presence.OnMemberJoined(r.self)
				}
			} else {
				r.log.Warn().Err(merr).Msg("members resync")
			}
			if cerr == nil {
				_ = r.cart.ApplySnapshot(snap)
			} else {
				r.log.Warn().Err(cerr).Msg("cart resync")
			}
			r.publish()
		})
	}()
}

// shutdown tears the room down; later calls are no-ops. forget clears the
// persisted room so the next start does not resume it.
func (r *Room) shutdown(reason error, announce, forget bool) {
	if r.closed {
		return
	}
	if announce {
		if err := r.bus.Emit(proto.LeaveRoom{Type: proto.TypeLeaveRoom, RoomCode: r.code, UserID: r.self.ID}); err != nil {
			r.log.Debug().Err(err).Msg("leave-room not delivered")
		}
	}
	r.call.Terminate(announce)
	r.presence.OnMemberLeft(r.self.ID)
	r.presence.Clear()
	r.cart.Clear()
	r.focus = nil
	r.closed = true
	r.reason = reason
	r.transport = TransportClosed
	r.bus.Close()

	if forget {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.st.ClearRoom(ctx); err != nil {
			r.log.Warn().Err(err).Msg("clear persisted room")
		}
	}
	r.log.Info().AnErr("reason", reason).Msg("left room")
	r.publish()
	if r.onClosed != nil {
		r.onClosed(r, reason)
	}
}

func (r *Room) others() []domain.UserID {
	var out []domain.UserID
	for _, u := range r.presence.Members() {
		if u.ID != r.self.ID {
			out = append(out, u.ID)
		}
	}
	return out
}

func (r *Room) publish() {
	if r.onStatus != nil {
		r.onStatus(r.status())
	}
}

func (r *Room) status() Status {
	items := r.cart.CurrentItems()
	st := Status{
		Room:      r.code,
		Host:      r.presence.Host(),
		Self:      r.self,
		Members:   r.presence.Members(),
		Transport: r.transport,
		Call:      r.call.Status(),
		Cart:      CartView{Seq: r.cart.Seq(), Items: items, Total: domain.CartTotal(items)},
		Focus:     r.focus,
		LastError: r.serverErr,
	}
	if r.closed {
		st.Room = ""
	}
	return st
}

// Status reads a consistent snapshot from the loop.
func (r *Room) Status(ctx context.Context) (Status, error) {
	var st Status
	err := r.do(ctx, func() error {
		st = r.status()
		return nil
	})
	return st, err
}

func (r *Room) Leave(ctx context.Context) error {
	return r.do(ctx, func() error {
		r.shutdown(nil, true, true)
		return nil
	})
}

// Detach leaves the room but keeps it persisted for the next start.
func (r *Room) Detach(ctx context.Context) error {
	return r.do(ctx, func() error {
		r.shutdown(nil, true, false)
		return nil
	})
}

// End ends the room for everyone. Only the host may do it.
func (r *Room) End(ctx context.Context) error {
	if err := r.do(ctx, func() error {
		if r.presence.Host() != r.self.ID {
			return domain.ErrNotHost
		}
		return nil
	}); err != nil {
		return err
	}
	if err := r.dir.EndRoom(ctx, r.code, r.self.ID); err != nil {
		return err
	}
	err := r.do(ctx, func() error {
		if err := r.bus.Emit(proto.EndRoom{Type: proto.TypeEndRoom, RoomCode: r.code}); err != nil {
			r.log.Debug().Err(err).Msg("end-room not delivered")
		}
		r.shutdown(domain.ErrRoomEnded, false, true)
		return nil
	})
	// the hub's room-ended notice may have closed the loop first
	if errors.Is(err, domain.ErrNotInRoom) {
		return nil
	}
	return err
}

func (r *Room) StartCall(ctx context.Context) error {
	return r.do(ctx, r.call.Start)
}

func (r *Room) AcceptCall(ctx context.Context) error {
	return r.do(ctx, r.call.Accept)
}

func (r *Room) DeclineCall(ctx context.Context) error {
	return r.do(ctx, r.call.Decline)
}

func (r *Room) EndCall(ctx context.Context) error {
	return r.do(ctx, r.call.End)
}

func (r *Room) SetMuted(ctx context.Context, muted bool) error {
	return r.do(ctx, func() error { return r.call.SetMuted(muted) })
}

func (r *Room) AddItem(ctx context.Context, p domain.Product, qty int) error {
	return r.do(ctx, func() error {
		if err := r.cart.AddItem(p, qty); err != nil {
			return err
		}
		r.publish()
		return nil
	})
}

func (r *Room) RemoveItem(ctx context.Context, id domain.ProductID) error {
	return r.do(ctx, func() error {
		if err := r.cart.RemoveItem(id); err != nil {
			return err
		}
		r.publish()
		return nil
	})
}

func (r *Room) Vote(ctx context.Context, id domain.ProductID, dir domain.VoteDirection) error {
	return r.do(ctx, func() error {
		if err := r.cart.Vote(id, dir); err != nil {
			return err
		}
		r.publish()
		return nil
	})
}

// FocusProduct points the other members at a product.
func (r *Room) FocusProduct(ctx context.Context, id domain.ProductID) error {
	return r.do(ctx, func() error {
		err := r.bus.Emit(proto.FocusProduct{Type: proto.TypeFocusProduct, RoomCode: r.code, ProductID: id})
		if err != nil {
			return err
		}
		r.focus = &Focus{ProductID: id, By: r.self}
		r.publish()
		return nil
	})
}

// loopScheduler runs call machine continuations on the room loop.
type loopScheduler struct{ r *Room }

func (s loopScheduler) Async(work func() func()) {
	go func() {
		if resume := work(); resume != nil {
			s.r.post(resume)
		}
	}()
}

func (s loopScheduler) After(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { s.r.post(fn) })
	return t.Stop
}

func (s loopScheduler) Post(fn func()) {
	s.r.postHook(fn)
}
