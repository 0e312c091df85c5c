package session

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/coshop/internal/client/call"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

var (
	host  = domain.User{ID: "u-host", Username: "host"}
	guest = domain.User{ID: "u-guest", Username: "guest"}
)

type env struct {
	c      *Coordinator
	dir    *fakeDirectory
	dialer *fakeDialer
	prov   *fakeProvider
	store  *memStore
}

func newEnv(t *testing.T, self domain.User) *env {
	t.Helper()
	e := &env{
		dir:    newFakeDirectory(),
		dialer: &fakeDialer{},
		prov:   &fakeProvider{},
		store:  &memStore{state: core.PersistedState{User: &self}},
	}
	e.c = NewCoordinator(Deps{
		Directory:          e.dir,
		Identity:           e.dir,
		Catalog:            e.dir,
		Orders:             e.dir,
		Dialer:             e.dialer,
		Provider:           e.prov,
		Store:              e.store,
		NegotiationTimeout: time.Minute,
	})
	require.NoError(t, e.c.Init(context.Background(), ""))
	t.Cleanup(func() { e.c.Close(context.Background()) })
	return e
}

func (e *env) status(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return e.c.Status(ctx)
}

func (e *env) push(ev core.Event) { e.dialer.last().events <- ev }

func TestJoinLoadsSnapshotsAndPersists(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	e.dir.carts["R1"] = domain.CartSnapshot{Room: "R1", Seq: 4, Items: []domain.CartItem{{ProductID: "lamp", Quantity: 2}}}

	require.NoError(t, e.c.Join(context.Background(), "R1"))

	st := e.status(t)
	assert.Equal(t, domain.RoomCode("R1"), st.Room)
	assert.Equal(t, host.ID, st.Host)
	assert.Equal(t, []domain.User{guest, host}, st.Members)
	assert.Equal(t, uint64(4), st.Cart.Seq)
	require.Len(t, st.Cart.Items, 1)
	assert.Equal(t, TransportConnected, st.Transport)
	assert.Equal(t, domain.RoomCode("R1"), e.store.room())
	assert.Equal(t, []string{proto.TypeJoinRoom}, e.dialer.last().types())
}

func TestJoinUnknownRoom(t *testing.T) {
	e := newEnv(t, guest)
	require.ErrorIs(t, e.c.Join(context.Background(), "NOPE"), domain.ErrInvalidRoom)
	_, err := e.c.Room()
	require.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, e.dialer.buses)
}

func TestCreateHostsRoom(t *testing.T) {
	e := newEnv(t, host)
	room, err := e.c.Create(context.Background())
	require.NoError(t, err)
	st := e.status(t)
	assert.Equal(t, room.Code, st.Room)
	assert.Equal(t, []domain.User{host}, st.Members)
}

func TestMembershipEvents(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))

	other := domain.User{ID: "u-zed", Username: "zed"}
	e.push(core.MemberJoined{User: other})
	e.push(core.MemberJoined{User: other})
	require.Eventually(t, func() bool { return len(e.status(t).Members) == 3 }, wait, tick)

	e.push(core.MemberLeft{UserID: host.ID})
	require.Eventually(t, func() bool { return len(e.status(t).Members) == 2 }, wait, tick)
}

// Leaving releases media, returns the call to Idle and drops self from presence.
func TestLeaveDuringActiveCall(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	bus := e.dialer.last()
	r, err := e.c.Room()
	require.NoError(t, err)

	require.NoError(t, r.StartCall(context.Background()))
	require.Eventually(t, func() bool { return bus.count(proto.TypeCallOffer) == 1 }, wait, tick)
	e.push(core.CallAnswer{From: host.ID, Answer: core.Negotiation{Provider: core.ProviderDirectPeer}})
	require.Eventually(t, func() bool { return e.status(t).Call.State == call.Active }, wait, tick)

	require.NoError(t, e.c.Leave(context.Background()))

	assert.True(t, e.prov.allReleased())
	assert.True(t, bus.isClosed())
	assert.Equal(t, 1, bus.count(proto.TypeLeaveRoom))
	assert.Empty(t, e.store.room())
	_, err = e.c.Room()
	require.ErrorIs(t, err, domain.ErrNotInRoom)

	st := e.status(t)
	assert.Equal(t, call.Idle, st.Call.State)
	assert.Empty(t, st.Members)
	assert.Empty(t, st.Cart.Items)
	require.ErrorIs(t, r.StartCall(context.Background()), domain.ErrNotInRoom)
}

func TestLeaveWhileAcquiringReleasesLateMedia(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	r, _ := e.c.Room()

	require.NoError(t, r.StartCall(context.Background()))
	require.NoError(t, e.c.Leave(context.Background()))
	require.Eventually(t, func() bool { return e.prov.acquisitions() == 1 && e.prov.allReleased() }, wait, tick)
}

func TestRoomEndedBeforeAccept(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))

	e.push(core.CallOffer{From: host, Room: "R1", Offer: core.Negotiation{Provider: core.ProviderDirectPeer}})
	require.Eventually(t, func() bool { return e.status(t).Call.State == call.IncomingPending }, wait, tick)

	e.push(core.RoomEnded{})
	require.Eventually(t, func() bool {
		_, err := e.c.Room()
		return err != nil
	}, wait, tick)

	assert.Zero(t, e.prov.acquisitions())
	assert.Empty(t, e.store.room())
	st := e.status(t)
	assert.Equal(t, call.Idle, st.Call.State)
	assert.Empty(t, st.Room)
}

func TestPermissionDeniedSurfacesInStatus(t *testing.T) {
	e := newEnv(t, guest)
	e.prov.denied = true
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	r, _ := e.c.Room()

	require.NoError(t, r.StartCall(context.Background()))
	require.Eventually(t, func() bool {
		st := e.status(t)
		return st.Call.State == call.Idle && st.Call.LastError != ""
	}, wait, tick)
	assert.Zero(t, e.dialer.last().count(proto.TypeCallOffer))
}

func TestCartSnapshotSupremacy(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	e.dir.products = []domain.Product{{ID: "A", Title: "A", Price: 1}, {ID: "B", Title: "B", Price: 2}}
	e.dir.carts["R1"] = domain.CartSnapshot{Seq: 1, Items: []domain.CartItem{{ProductID: "A", Quantity: 1}}}
	require.NoError(t, e.c.Join(context.Background(), "R1"))

	require.NoError(t, e.c.AddItem(context.Background(), "A", 1))
	assert.Equal(t, 2, e.status(t).Cart.Items[0].Quantity)
	require.ErrorIs(t, e.c.AddItem(context.Background(), "ZZZ", 1), domain.ErrUnknownProduct)

	e.push(core.CartSnapshot{Snapshot: domain.CartSnapshot{Seq: 2, Items: []domain.CartItem{{ProductID: "B", Quantity: 1}}}})
	require.Eventually(t, func() bool {
		items := e.status(t).Cart.Items
		return len(items) == 1 && items[0].ProductID == "B" && items[0].Quantity == 1
	}, wait, tick)

	e.push(core.CartSnapshot{Snapshot: domain.CartSnapshot{Seq: 1, Items: []domain.CartItem{{ProductID: "A", Quantity: 9}}}})
	e.push(core.MemberJoined{User: domain.User{ID: "u-x", Username: "x"}})
	require.Eventually(t, func() bool { return len(e.status(t).Members) == 3 }, wait, tick)
	assert.Equal(t, domain.ProductID("B"), e.status(t).Cart.Items[0].ProductID)
}

func TestAddItemWhileDisconnected(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	e.dir.products = []domain.Product{{ID: "A"}}
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	e.dialer.last().setConnected(false)
	e.push(core.TransportChanged{Connected: false})

	require.ErrorIs(t, e.c.AddItem(context.Background(), "A", 1), domain.ErrTransportUnavailable)
	assert.Empty(t, e.status(t).Cart.Items)
	require.Eventually(t, func() bool { return e.status(t).Transport == TransportReconnecting }, wait, tick)
}

func TestReconnectResyncs(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	bus := e.dialer.last()
	fetches := e.dir.memberFetches()

	e.push(core.TransportChanged{Connected: false})
	require.Eventually(t, func() bool { return e.status(t).Transport == TransportReconnecting }, wait, tick)

	e.push(core.TransportChanged{Connected: true, Reconnected: true})
	require.Eventually(t, func() bool {
		return e.status(t).Transport == TransportConnected && e.dir.memberFetches() > fetches
	}, wait, tick)
	assert.Equal(t, 2, bus.count(proto.TypeJoinRoom))
}

func TestEndRequiresHost(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	require.ErrorIs(t, e.c.End(context.Background()), domain.ErrNotHost)
	assert.Empty(t, e.dir.ended)
}

func TestHostEndsRoom(t *testing.T) {
	e := newEnv(t, host)
	e.dir.addRoom("R1", host.ID, host, guest)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	bus := e.dialer.last()

	require.NoError(t, e.c.End(context.Background()))
	assert.Equal(t, []domain.RoomCode{"R1"}, e.dir.ended)
	assert.Equal(t, 1, bus.count(proto.TypeEndRoom))
	_, err := e.c.Room()
	require.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestResumeRejoinsPersistedRoom(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	e.store.state.Room = "R1"

	require.NoError(t, e.c.Resume(context.Background()))
	assert.Equal(t, domain.RoomCode("R1"), e.status(t).Room)

	e.c.Close(context.Background())
	assert.Equal(t, domain.RoomCode("R1"), e.store.room(), "close keeps the room for the next start")
}

func TestResumeForgetsVanishedRoom(t *testing.T) {
	e := newEnv(t, guest)
	e.store.state.Room = "GONE"
	require.ErrorIs(t, e.c.Resume(context.Background()), domain.ErrInvalidRoom)
	assert.Empty(t, e.store.room())
}

func TestJoiningAnotherRoomLeavesFirst(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	e.dir.addRoom("R2", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	first := e.dialer.last()
	require.NoError(t, e.c.Join(context.Background(), "R2"))

	assert.True(t, first.isClosed())
	assert.Equal(t, domain.RoomCode("R2"), e.status(t).Room)
}

func TestFocusProduct(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	r, _ := e.c.Room()

	require.NoError(t, r.FocusProduct(context.Background(), "lamp"))
	assert.Equal(t, domain.ProductID("lamp"), e.status(t).Focus.ProductID)

	e.push(core.ProductFocused{ProductID: "mug", By: host})
	require.Eventually(t, func() bool {
		f := e.status(t).Focus
		return f != nil && f.ProductID == "mug" && f.By.ID == host.ID
	}, wait, tick)
}

func TestWatchStreamsStatus(t *testing.T) {
	e := newEnv(t, guest)
	e.dir.addRoom("R1", host.ID, host)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.c.Watch(ctx)

	first := <-ch
	assert.Empty(t, first.Room)

	require.NoError(t, e.c.Join(context.Background(), "R1"))
	require.Eventually(t, func() bool {
		select {
		case st := <-ch:
			return st.Room == "R1"
		default:
			return false
		}
	}, wait, tick)
}

func TestPlaceOrderUsesRoomCartInRoom(t *testing.T) {
	e := newEnv(t, guest)
	_, err := e.c.PlaceOrder(context.Background())
	require.ErrorIs(t, err, domain.ErrEmptyCart)

	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.Join(context.Background(), "R1"))
	o, err := e.c.PlaceOrder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RoomCode("R1"), o.Room)
	assert.Empty(t, e.dir.personal)
}

func TestPersonalCartOutsideRoom(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, guest)
	e.dir.products = []domain.Product{{ID: "A", Title: "A", Price: 1}, {ID: "B", Title: "B", Price: 2, Stock: 2}}
	ch := e.c.Watch(t.Context())

	require.NoError(t, e.c.AddItem(ctx, "A", 0))
	require.NoError(t, e.c.AddItem(ctx, "A", 2))
	require.NoError(t, e.c.AddItem(ctx, "B", 2))
	require.ErrorIs(t, e.c.AddItem(ctx, "B", 1), domain.ErrStockExceeded)
	require.ErrorIs(t, e.c.AddItem(ctx, "ZZZ", 1), domain.ErrUnknownProduct)
	require.ErrorIs(t, e.c.Vote(ctx, "A", domain.VoteUp), domain.ErrNotInRoom)

	st := e.status(t)
	assert.Empty(t, st.Room)
	require.Len(t, st.Cart.Items, 2)
	assert.Equal(t, 3, st.Cart.Items[0].Quantity)
	assert.Equal(t, 7.0, st.Cart.Total)
	assert.Len(t, e.store.cart(), 2)
	require.Eventually(t, func() bool {
		select {
		case st := <-ch:
			return len(st.Cart.Items) == 2 && st.Cart.Items[1].Quantity == 2
		default:
			return false
		}
	}, wait, tick)

	require.NoError(t, e.c.RemoveItem(ctx, "B"))
	require.ErrorIs(t, e.c.RemoveItem(ctx, "B"), domain.ErrUnknownProduct)
	assert.Len(t, e.store.cart(), 1)

	o, err := e.c.PlaceOrder(ctx)
	require.NoError(t, err)
	assert.Empty(t, o.Room)
	assert.Equal(t, 3.0, o.Total)
	require.Len(t, e.dir.personal, 1)
	assert.Empty(t, e.status(t).Cart.Items)
	assert.Empty(t, e.store.cart())

	_, err = e.c.PlaceOrder(ctx)
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestPersonalCartSurvivesRoomVisit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, guest)
	e.dir.products = []domain.Product{{ID: "A", Title: "A", Price: 1}}
	e.dir.addRoom("R1", host.ID, host)
	require.NoError(t, e.c.AddItem(ctx, "A", 4))

	require.NoError(t, e.c.Join(ctx, "R1"))
	assert.Empty(t, e.status(t).Cart.Items)
	require.NoError(t, e.c.AddItem(ctx, "A", 1))
	assert.Equal(t, 1, e.status(t).Cart.Items[0].Quantity)

	require.NoError(t, e.c.Leave(ctx))
	require.Eventually(t, func() bool {
		st := e.status(t)
		return st.Room == "" && len(st.Cart.Items) == 1 && st.Cart.Items[0].Quantity == 4
	}, wait, tick)
}

func TestPersonalCartRestoredOnInit(t *testing.T) {
	saved := []domain.CartItem{{ProductID: "A", Title: "A", Price: 2, Quantity: 3, AddedBy: guest.ID}}
	store := &memStore{state: core.PersistedState{User: &guest, Cart: saved}}
	dir := newFakeDirectory()
	c := NewCoordinator(Deps{Directory: dir, Identity: dir, Catalog: dir, Orders: dir, Store: store})
	require.NoError(t, c.Init(context.Background(), ""))

	st := c.Status(context.Background())
	require.Len(t, st.Cart.Items, 1)
	assert.Equal(t, 6.0, st.Cart.Total)

	// a new identity starts with an empty cart
	require.NoError(t, c.Init(context.Background(), "someone-else"))
	assert.Empty(t, c.Status(context.Background()).Cart.Items)
}

func TestInitRegistersWhenNoIdentity(t *testing.T) {
	store := &memStore{}
	dir := newFakeDirectory()
	c := NewCoordinator(Deps{Directory: dir, Identity: dir, Store: store})
	require.NoError(t, c.Init(context.Background(), "dana"))
	assert.Equal(t, "dana", c.Self().Username)
	require.NotNil(t, store.state.User)
	assert.Equal(t, c.Self().ID, store.state.User.ID)
}
