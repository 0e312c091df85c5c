// Package session holds the process-wide room context: who we are, which room
// we are in, and the loop that owns that room's presence, call and cart state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/client/cart"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Directory core.RoomDirectory
	Identity  core.Identity
	Catalog   core.Catalog
	Orders    core.Orders
	Dialer    core.BusDialer
	Provider  core.MediaSessionProvider
	Store     core.StateStore

	NegotiationTimeout time.Duration
}

// Coordinator is created once at startup and holds at most one active Room.
type Coordinator struct {
	deps Deps

	// opMu serializes room entry and exit.
	opMu sync.Mutex

	mu   sync.RWMutex
	self domain.User
	room *Room
	last Status
	subs map[chan Status]struct{}

	// cartMu guards personal, the cart kept while outside any room.
	cartMu   sync.Mutex
	personal *cart.Engine
}

func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, subs: make(map[chan Status]struct{})}
}

// Init restores the persisted identity or registers a new one.
func (c *Coordinator) Init(ctx context.Context, username string) error {
	st, err := c.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	self := st.User
	saved := st.Cart
	if self == nil || (username != "" && self.Username != username) {
		u, err := c.deps.Identity.RegisterUser(ctx, username)
		if err != nil {
			return fmt.Errorf("register user: %w", err)
		}
		if err := c.deps.Store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		self = &u
		saved = nil
	}
	personal := cart.NewPersonalEngine(self.ID)
	if err := personal.Restore(saved); err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("saved cart dropped")
	}
	c.cartMu.Lock()
	c.personal = personal
	c.cartMu.Unlock()
	c.mu.Lock()
	c.self = *self
	c.last = idleStatus(*self)
	c.mu.Unlock()
	log.Info().Str("module", "session").Str("user", string(self.ID)).Str("username", self.Username).Msg("identity ready")
	return nil
}

func (c *Coordinator) Self() domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Create opens a new room hosted by self and joins it.
func (c *Coordinator) Create(ctx context.Context) (domain.Room, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	room, err := c.deps.Directory.CreateRoom(ctx, c.Self().ID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := c.enter(ctx, room.Code); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (c *Coordinator) Join(ctx context.Context, code domain.RoomCode) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.enter(ctx, code)
}

// Resume rejoins the room persisted by a previous run, if any.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	st, err := c.deps.Store.Load(ctx)
	if err != nil {
		return err
	}
	if st.Room == "" {
		return nil
	}
	log.Info().Str("module", "session").Str("room", string(st.Room)).Msg("resuming room")
	err = c.enter(ctx, st.Room)
	if errors.Is(err, domain.ErrInvalidRoom) {
		_ = c.deps.Store.ClearRoom(ctx)
	}
	return err
}

func (c *Coordinator) enter(ctx context.Context, code domain.RoomCode) error {
	if code == "" {
		return domain.ErrInvalidRoom
	}
	if cur := c.current(); cur != nil {
		if cur.Code() == code {
			return nil
		}
		if err := cur.Leave(ctx); err != nil && !errors.Is(err, domain.ErrNotInRoom) {
			return err
		}
	}
	if _, err := c.deps.Directory.GetRoom(ctx, code); err != nil {
		return err
	}
	self := c.Self()
	bus, err := c.deps.Dialer.Dial(ctx, code, self)
	if err != nil {
		return err
	}
	r := newRoom(roomParams{
		code:     code,
		self:     self,
		bus:      bus,
		dir:      c.deps.Directory,
		store:    c.deps.Store,
		provider: c.deps.Provider,
		timeout:  c.deps.NegotiationTimeout,
		onStatus: c.publish,
		onClosed: c.roomClosed,
	})
	if err := r.enter(ctx); err != nil {
		bus.Close()
		return err
	}
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	go r.run()
	log.Info().Str("module", "session").Str("room", string(code)).Msg("joined room")
	return nil
}

// Leave leaves the current room whatever the call state.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	r, err := c.Room()
	if err != nil {
		return err
	}
	return r.Leave(ctx)
}

// End ends the current room for every member. Host only.
func (c *Coordinator) End(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	r, err := c.Room()
	if err != nil {
		return err
	}
	return r.End(ctx)
}

// Room returns the active room or domain.ErrNotInRoom.
func (c *Coordinator) Room() (*Room, error) {
	if r := c.current(); r != nil {
		return r, nil
	}
	return nil, domain.ErrNotInRoom
}

func (c *Coordinator) current() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Coordinator) roomClosed(r *Room, reason error) {
	c.mu.Lock()
	if c.room == r {
		c.room = nil
	}
	c.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(r.Code())).AnErr("reason", reason).Msg("room closed")
}

// Status returns the latest published status. Outside a room the cart is
// the personal one.
func (c *Coordinator) Status(ctx context.Context) Status {
	if r := c.current(); r != nil {
		if st, err := r.Status(ctx); err == nil {
			return st
		}
	}
	personal := c.personalCart()
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.last
	if st.Room == "" {
		idle := idleStatus(c.self)
		idle.Call.LastError = st.Call.LastError
		idle.Cart = personal
		return idle
	}
	return st
}

// Watch streams status changes until ctx is done. Slow readers miss
// intermediate states but always get a later one.
func (c *Coordinator) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 8)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.last
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *Coordinator) publish(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = st
	for ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// inRoom runs fn against the active room.
func (c *Coordinator) inRoom(fn func(*Room) error) error {
	r, err := c.Room()
	if err != nil {
		return err
	}
	return fn(r)
}

func (c *Coordinator) StartCall(ctx context.Context) error {
	return c.inRoom(func(r *Room) error { return r.StartCall(ctx) })
}

func (c *Coordinator) AcceptCall(ctx context.Context) error {
	return c.inRoom(func(r *Room) error { return r.AcceptCall(ctx) })
}

func (c *Coordinator) DeclineCall(ctx context.Context) error {
	return c.inRoom(func(r *Room) error { return r.DeclineCall(ctx) })
}

func (c *Coordinator) EndCall(ctx context.Context) error {
	return c.inRoom(func(r *Room) error { return r.EndCall(ctx) })
}

func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.inRoom(func(r *Room) error { return r.SetMuted(ctx, muted) })
}

// RemoveItem edits the room cart, or the personal cart outside a room.
func (c *Coordinator) RemoveItem(ctx context.Context, id domain.ProductID) error {
	if r := c.current(); r != nil {
		return r.RemoveItem(ctx, id)
	}
	return c.editPersonal(ctx, func(e *cart.Engine) error { return e.RemoveItem(id) })
}

func (c *Coordinator) Vote(ctx context.Context, id domain.ProductID, dir domain.VoteDirection) error {
	return c.inRoom(func(r *Room) error { return r.Vote(ctx, id, dir) })
}

func (c *Coordinator) FocusProduct(ctx context.Context, id domain.ProductID) error {
	return c.inRoom(func(r *Room) error { return r.FocusProduct(ctx, id) })
}

func (c *Coordinator) Products(ctx context.Context) ([]domain.Product, error) {
	return c.deps.Catalog.Products(ctx)
}

func (c *Coordinator) product(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrUnknownProduct, id)
}

// AddItem looks the product up in the catalog and adds it to the shared cart,
// or to the personal cart outside a room.
func (c *Coordinator) AddItem(ctx context.Context, id domain.ProductID, qty int) error {
	p, err := c.product(ctx, id)
	if err != nil {
		return err
	}
	if r := c.current(); r != nil {
		return r.AddItem(ctx, p, qty)
	}
	return c.editPersonal(ctx, func(e *cart.Engine) error { return e.AddItem(p, qty) })
}

func (c *Coordinator) personalCart() CartView {
	c.cartMu.Lock()
	defer c.cartMu.Unlock()
	if c.personal == nil {
		return CartView{Items: []domain.CartItem{}}
	}
	return CartView{Items: c.personal.CurrentItems(), Total: c.personal.Total()}
}

// editPersonal applies fn to the personal cart, saves the result and
// publishes it while no room is active.
func (c *Coordinator) editPersonal(ctx context.Context, fn func(*cart.Engine) error) error {
	c.cartMu.Lock()
	if c.personal == nil {
		c.cartMu.Unlock()
		return domain.ErrNotInRoom
	}
	if err := fn(c.personal); err != nil {
		c.cartMu.Unlock()
		return err
	}
	if err := c.deps.Store.SaveCart(ctx, c.personal.CurrentItems()); err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("save personal cart")
	}
	c.cartMu.Unlock()
	if c.current() == nil {
		c.publish(c.Status(ctx))
	}
	return nil
}

func (c *Coordinator) Orders(ctx context.Context) ([]domain.Order, error) {
	return c.deps.Orders.UserOrders(ctx, c.Self().ID)
}

// PlaceOrder checks out the room's authoritative cart for self, or the
// personal cart outside a room.
func (c *Coordinator) PlaceOrder(ctx context.Context) (domain.Order, error) {
	if r := c.current(); r != nil {
		return c.deps.Orders.PlaceOrder(ctx, r.Code(), c.Self().ID)
	}
	c.cartMu.Lock()
	if c.personal == nil || len(c.personal.CurrentItems()) == 0 {
		c.cartMu.Unlock()
		return domain.Order{}, domain.ErrEmptyCart
	}
	order, err := c.deps.Orders.PlacePersonalOrder(ctx, c.Self().ID, c.personal.CurrentItems())
	if err != nil {
		c.cartMu.Unlock()
		return domain.Order{}, err
	}
	c.personal.Clear()
	if err := c.deps.Store.SaveCart(ctx, nil); err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("clear personal cart")
	}
	c.cartMu.Unlock()
	log.Info().Str("module", "session").Str("order", string(order.ID)).Float64("total", order.Total).Msg("personal order placed")
	if c.current() == nil {
		c.publish(c.Status(ctx))
	}
	return order, nil
}

// Close detaches from the active room, keeping it for Resume.
func (c *Coordinator) Close(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	r := c.current()
	if r == nil {
		return
	}
	if err := r.Detach(ctx); err != nil && !errors.Is(err, domain.ErrNotInRoom) {
		log.Warn().Str("module", "session").Err(err).Msg("detach on close")
	}
}
