package orch

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/coshop/internal/app"
	"github.com/dkeye/coshop/internal/app/sfu"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("queue full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		typ, _ := proto.TypeOf(fr)
		out = append(out, typ)
	}
	return out
}

func (f *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	require.NoError(t, json.Unmarshal(f.frames[len(f.frames)-1], v))
}

var (
	ana = domain.User{ID: "u-ana", Username: "ana"}
	bo  = domain.User{ID: "u-bo", Username: "bo"}
)

func newOrch() *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Carts:    app.NewCartBook(),
		Catalog:  app.NewCatalog([]domain.Product{{ID: "lamp", Title: "Lamp", Price: 10}}),
		Orders:   app.NewOrderBook(),
	}
}

type member struct {
	sid      core.SessionID
	conn     *fakeConn
	canceled bool
}

func connect(t *testing.T, o *Orchestrator, code domain.RoomCode, sid core.SessionID, u domain.User) *member {
	t.Helper()
	m := &member{sid: sid, conn: &fakeConn{}}
	sess := core.NewMemberSession(domain.NewMember(o.Registry.Remember(u))).UpdateSignal(m.conn)
	o.Registry.BindSession(sid, code, sess, func() { m.canceled = true })
	require.NoError(t, o.Join(sid))
	return m
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code

	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)

	assert.Equal(t, []string{proto.TypeMemberJoined}, a.conn.types())
	assert.Empty(t, b.conn.types())

	var msg proto.MemberJoined
	a.conn.last(t, &msg)
	assert.Equal(t, bo, msg.User)
}

func TestRejoinSupersedesOldConnection(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	old := connect(t, o, code, "s-b1", bo)
	fresh := connect(t, o, code, "s-b2", bo)

	assert.Equal(t, []string{proto.TypeMemberJoined}, a.conn.types(), "no second join notice")
	assert.True(t, old.canceled)
	assert.False(t, fresh.canceled)

	room, _ := o.Rooms.Get(code)
	assert.Equal(t, 2, room.MemberCount())

	// the old connection going away must not announce a departure
	o.Leave(old.sid, false)
	assert.Equal(t, []string{proto.TypeMemberJoined}, a.conn.types())
}

func TestExplicitLeaveOfLastMemberDestroysRoom(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)
	_, err := o.Carts.Add(code, domain.Product{ID: "lamp"}, 1, ana.ID)
	require.NoError(t, err)

	o.Leave(b.sid, true)
	var left proto.MemberLeft
	a.conn.last(t, &left)
	assert.Equal(t, bo.ID, left.UserID)

	o.Leave(a.sid, true)
	_, ok := o.Rooms.Get(code)
	assert.False(t, ok)
	assert.Zero(t, o.Carts.Snapshot(code).Seq)
}

func TestDisconnectKeepsRoomUntilReaped(t *testing.T) {
	o := newOrch()
	o.EmptyRoomTTL = 20 * time.Millisecond
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)

	o.Leave(a.sid, false)
	_, ok := o.Rooms.Get(code)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := o.Rooms.Get(code)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRejoinCancelsReaper(t *testing.T) {
	o := newOrch()
	o.EmptyRoomTTL = 30 * time.Millisecond
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	o.Leave(a.sid, false)
	connect(t, o, code, "s-a2", ana)

	time.Sleep(60 * time.Millisecond)
	_, ok := o.Rooms.Get(code)
	assert.True(t, ok)
}

func TestEndRoomHostOnly(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)

	assert.ErrorIs(t, o.EndRoom(code, bo.ID), domain.ErrNotHost)
	assert.ErrorIs(t, o.EndRoom("NOPE", ana.ID), domain.ErrInvalidRoom)

	require.NoError(t, o.EndRoom(code, ana.ID))
	assert.Contains(t, a.conn.types(), proto.TypeRoomEnded)
	assert.Contains(t, b.conn.types(), proto.TypeRoomEnded)

	_, ok := o.Rooms.Get(code)
	assert.False(t, ok)
	_, _, ok = o.Registry.RoomOf(b.sid)
	assert.False(t, ok)
}

func TestApplyCartAnnouncesToEveryone(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)

	_, err := o.ApplyCart(a.sid, proto.CartMutation{Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "ghost"}})
	assert.ErrorIs(t, err, domain.ErrUnknownProduct)

	_, err = o.ApplyCart(a.sid, proto.CartMutation{RoomCode: "OTHER", Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "lamp"}})
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	snap, err := o.ApplyCart(a.sid, proto.CartMutation{Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "lamp"}})
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 1, snap.Items[0].Quantity)
	assert.Equal(t, "Lamp", snap.Items[0].Title)

	for _, m := range []*member{a, b} {
		var got proto.CartSnapshot
		m.conn.last(t, &got)
		assert.Equal(t, snap.Seq, got.Snapshot.Seq)
	}
}

func TestPlaceOrderEmptiesCart(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)

	_, err := o.PlaceOrder(code, ana.ID)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	_, err = o.PlaceOrder(code, bo.ID)
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	_, err = o.ApplyCart(a.sid, proto.CartMutation{Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "lamp", Quantity: 3}})
	require.NoError(t, err)
	order, err := o.PlaceOrder(code, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, order.Total)

	var got proto.CartSnapshot
	a.conn.last(t, &got)
	assert.Empty(t, got.Snapshot.Items)
	assert.Len(t, o.Orders.ForUser(ana.ID), 1)
}

func TestPlacePersonalOrder(t *testing.T) {
	o := newOrch()

	_, err := o.PlacePersonalOrder(ana.ID, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	_, err = o.PlacePersonalOrder("", []proto.OrderLine{{ProductID: "lamp", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrUserIDInvalid)
	_, err = o.PlacePersonalOrder(ana.ID, []proto.OrderLine{{ProductID: "ghost", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrUnknownProduct)
	_, err = o.PlacePersonalOrder(ana.ID, []proto.OrderLine{{ProductID: "lamp", Quantity: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = o.PlacePersonalOrder(ana.ID, []proto.OrderLine{
		{ProductID: "lamp", Quantity: domain.MaxLineQuantity},
		{ProductID: "lamp", Quantity: 1},
	})
	assert.ErrorIs(t, err, domain.ErrStockExceeded)
	assert.Empty(t, o.Orders.ForUser(ana.ID))

	order, err := o.PlacePersonalOrder(ana.ID, []proto.OrderLine{
		{ProductID: "lamp", Quantity: 2},
		{ProductID: "lamp", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, order.Room)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 3, order.Items[0].Quantity)
	assert.Equal(t, "Lamp", order.Items[0].Title)
	assert.Equal(t, 30.0, order.Total)
	assert.Len(t, o.Orders.ForUser(ana.ID), 1)
}

func TestOverStockMutationLeavesCart(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)

	_, err := o.ApplyCart(a.sid, proto.CartMutation{Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "lamp", Quantity: domain.MaxLineQuantity}})
	require.NoError(t, err)
	sent := len(a.conn.types())
	_, err = o.ApplyCart(a.sid, proto.CartMutation{Op: proto.CartOpAdd, Item: proto.CartMutationItem{ProductID: "lamp", Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrStockExceeded)

	assert.Len(t, a.conn.types(), sent)
	snap, err := o.CartOf(code)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxLineQuantity, snap.Items[0].Quantity)
}

func TestSlowMemberIsKicked(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)
	b.conn.full = true

	o.Publish(a.sid, proto.CallHangup{Type: proto.TypeCallHangup, FromUser: ana.ID})

	assert.True(t, b.canceled)
	room, _ := o.Rooms.Get(code)
	assert.False(t, room.HasUser(bo.ID))
	var left proto.MemberLeft
	a.conn.last(t, &left)
	assert.Equal(t, bo.ID, left.UserID)
}

func TestFocusReachesOthers(t *testing.T) {
	o := newOrch()
	code := o.CreateRoom(ana.ID).Room().Code
	a := connect(t, o, code, "s-a", ana)
	b := connect(t, o, code, "s-b", bo)

	assert.ErrorIs(t, o.Focus(a.sid, "ghost"), domain.ErrUnknownProduct)
	require.NoError(t, o.Focus(a.sid, "lamp"))

	var got proto.ProductFocused
	b.conn.last(t, &got)
	assert.Equal(t, domain.ProductID("lamp"), got.ProductID)
	assert.Equal(t, ana, got.User)
	assert.NotContains(t, a.conn.types(), proto.TypeProductFocused)
}
