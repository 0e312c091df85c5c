package session

import (
	"context"
	"sync"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/pion/webrtc/v4"
)

type fakeBus struct {
	mu        sync.Mutex
	events    chan core.Event
	sent      []any
	connected bool
	closed    bool
	closeOnce sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan core.Event, 32), connected: true}
}

func (b *fakeBus) Events() <-chan core.Event { return b.events }

func (b *fakeBus) Emit(msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.closed {
		return domain.ErrTransportUnavailable
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

func (b *fakeBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.events)
	})
}

func (b *fakeBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBus) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *fakeBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, m := range b.sent {
		switch v := m.(type) {
		case proto.JoinRoom:
			out = append(out, v.Type)
		case proto.LeaveRoom:
			out = append(out, v.Type)
		case proto.EndRoom:
			out = append(out, v.Type)
		case proto.CallOffer:
			out = append(out, v.Type)
		case proto.CallAnswer:
			out = append(out, v.Type)
		case proto.CallHangup:
			out = append(out, v.Type)
		case proto.CallReject:
			out = append(out, v.Type)
		case proto.ICECandidate:
			out = append(out, v.Type)
		case proto.CartMutation:
			out = append(out, v.Type)
		case proto.FocusProduct:
			out = append(out, v.Type)
		}
	}
	return out
}

func (b *fakeBus) count(typ string) int {
	n := 0
	for _, t := range b.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	buses []*fakeBus
	err   error
}

func (d *fakeDialer) Dial(context.Context, domain.RoomCode, domain.User) (core.EventBus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	b := newFakeBus()
	d.buses = append(d.buses, b)
	return b, nil
}

func (d *fakeDialer) last() *fakeBus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buses[len(d.buses)-1]
}

type fakeDirectory struct {
	mu           sync.Mutex
	rooms        map[domain.RoomCode]domain.Room
	members      map[domain.RoomCode][]domain.User
	carts        map[domain.RoomCode]domain.CartSnapshot
	memberCalls  int
	ended        []domain.RoomCode
	products     []domain.Product
	placedOrders int
	personal     [][]domain.CartItem
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		rooms:   map[domain.RoomCode]domain.Room{},
		members: map[domain.RoomCode][]domain.User{},
		carts:   map[domain.RoomCode]domain.CartSnapshot{},
	}
}

func (d *fakeDirectory) addRoom(code domain.RoomCode, host domain.UserID, members ...domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[code] = domain.Room{Code: code, HostID: host}
	d.members[code] = members
}

func (d *fakeDirectory) CreateRoom(_ context.Context, host domain.UserID) (domain.Room, error) {
	code := domain.RoomCode("NEWROOM1")
	d.addRoom(code, host)
	return domain.Room{Code: code, HostID: host}, nil
}

func (d *fakeDirectory) GetRoom(_ context.Context, code domain.RoomCode) (domain.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[code]
	if !ok {
		return domain.Room{}, domain.ErrInvalidRoom
	}
	return r, nil
}

func (d *fakeDirectory) Members(_ context.Context, code domain.RoomCode) (domain.MembersSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memberCalls++
	r, ok := d.rooms[code]
	if !ok {
		return domain.MembersSnapshot{}, domain.ErrInvalidRoom
	}
	return domain.MembersSnapshot{Room: code, Host: r.HostID, Version: uint64(d.memberCalls), Members: d.members[code]}, nil
}

func (d *fakeDirectory) memberFetches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memberCalls
}

func (d *fakeDirectory) Cart(_ context.Context, code domain.RoomCode) (domain.CartSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.carts[code], nil
}

func (d *fakeDirectory) EndRoom(_ context.Context, code domain.RoomCode, by domain.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[code]
	if !ok {
		return domain.ErrInvalidRoom
	}
	if r.HostID != by {
		return domain.ErrNotHost
	}
	delete(d.rooms, code)
	d.ended = append(d.ended, code)
	return nil
}

func (d *fakeDirectory) RegisterUser(_ context.Context, username string) (domain.User, error) {
	u, err := domain.NewUser(username)
	if err != nil {
		return domain.User{}, err
	}
	return *u, nil
}

func (d *fakeDirectory) Products(context.Context) ([]domain.Product, error) {
	return d.products, nil
}

func (d *fakeDirectory) UserOrders(context.Context, domain.UserID) ([]domain.Order, error) {
	return nil, nil
}

func (d *fakeDirectory) PlaceOrder(_ context.Context, code domain.RoomCode, uid domain.UserID) (domain.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placedOrders++
	return domain.Order{ID: "o1", UserID: uid, Room: code}, nil
}

func (d *fakeDirectory) PlacePersonalOrder(_ context.Context, uid domain.UserID, items []domain.CartItem) (domain.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(items) == 0 {
		return domain.Order{}, domain.ErrEmptyCart
	}
	d.placedOrders++
	d.personal = append(d.personal, items)
	return domain.Order{ID: "o2", UserID: uid, Items: items, Total: domain.CartTotal(items)}, nil
}

type memStore struct {
	mu    sync.Mutex
	state core.PersistedState
}

func (s *memStore) Load(context.Context) (core.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memStore) SaveUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.User = &u
	return nil
}

func (s *memStore) SaveRoom(_ context.Context, code domain.RoomCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Room = code
	return nil
}

func (s *memStore) ClearRoom(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Room = ""
	return nil
}

func (s *memStore) SaveCart(_ context.Context, items []domain.CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cart = items
	return nil
}

func (s *memStore) cart() []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cart
}

func (s *memStore) room() domain.RoomCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Room
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMedia) AttachTo(*webrtc.PeerConnection) error { return nil }
func (m *fakeMedia) SetMuted(bool) error                   { return nil }
func (m *fakeMedia) Muted() bool                           { return false }
func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakePeer struct{}

func (fakePeer) CreateOffer(context.Context) (core.Negotiation, error) {
	return core.Negotiation{Provider: core.ProviderDirectPeer}, nil
}

func (fakePeer) AcceptOffer(context.Context, domain.UserID, core.Negotiation) (core.Negotiation, error) {
	return core.Negotiation{Provider: core.ProviderDirectPeer}, nil
}

func (fakePeer) ApplyAnswer(context.Context, domain.UserID, core.Negotiation) error { return nil }

func (fakePeer) AddRemoteCandidate(domain.UserID, webrtc.ICECandidateInit) error { return nil }

func (fakePeer) Close() {}

type fakeProvider struct {
	mu       sync.Mutex
	medias   []*fakeMedia
	acquired int
	denied   bool
}

func (p *fakeProvider) Kind() core.ProviderKind { return core.ProviderDirectPeer }

func (p *fakeProvider) AcquireLocalMedia(context.Context) (core.LocalMedia, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
	if p.denied {
		return nil, domain.ErrUserDeclinedResource
	}
	m := &fakeMedia{}
	p.medias = append(p.medias, m)
	return m, nil
}

func (p *fakeProvider) Open(context.Context, core.SessionParams) (core.PeerSession, error) {
	return fakePeer{}, nil
}

func (p *fakeProvider) acquisitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

func (p *fakeProvider) allReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.medias {
		if !m.isClosed() {
			return false
		}
	}
	return true
}
