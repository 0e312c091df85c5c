package orch

import (
	"fmt"
	"slices"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
)

// ApplyCart runs one member's mutation against the room cart and announces
// the resulting snapshot to everyone, the author included.
func (o *Orchestrator) ApplyCart(sid core.SessionID, m proto.CartMutation) (domain.CartSnapshot, error) {
	code, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.CartSnapshot{}, domain.ErrNotInRoom
	}
	if m.RoomCode != "" && m.RoomCode != code {
		return domain.CartSnapshot{}, domain.ErrInvalidRoom
	}
	uid := sess.Meta().User.ID

	var (
		snap domain.CartSnapshot
		err  error
	)
	switch m.Op {
	case proto.CartOpAdd:
		p, known := o.Catalog.Get(m.Item.ProductID)
		if !known {
			return domain.CartSnapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownProduct, m.Item.ProductID)
		}
		qty := m.Item.Quantity
		if qty == 0 {
			qty = 1
		}
		snap, err = o.Carts.Add(code, p, qty, uid)
	case proto.CartOpRemove:
		snap = o.Carts.Remove(code, m.Item.ProductID)
	case proto.CartOpVote:
		snap, err = o.Carts.Vote(code, m.Item.ProductID, uid, m.Item.Vote)
	default:
		return domain.CartSnapshot{}, fmt.Errorf("unknown cart op %q", m.Op)
	}
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	o.Announce(code, proto.CartSnapshot{Type: proto.TypeCartSnapshot, Snapshot: snap})
	return snap, nil
}

func (o *Orchestrator) CartOf(code domain.RoomCode) (domain.CartSnapshot, error) {
	if _, ok := o.Rooms.Get(code); !ok {
		return domain.CartSnapshot{}, domain.ErrInvalidRoom
	}
	return o.Carts.Snapshot(code), nil
}

// ResyncCart sends sid the current snapshot, which overrides whatever it
// applied optimistically.
func (o *Orchestrator) ResyncCart(sid core.SessionID) {
	code, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Reply(sid, proto.CartSnapshot{Type: proto.TypeCartSnapshot, Snapshot: o.Carts.Snapshot(code)})
}

// PlaceOrder turns the room cart into an order for uid and empties the cart.
func (o *Orchestrator) PlaceOrder(code domain.RoomCode, uid domain.UserID) (domain.Order, error) {
	room, ok := o.Rooms.Get(code)
	if !ok {
		return domain.Order{}, domain.ErrInvalidRoom
	}
	if !room.HasUser(uid) {
		return domain.Order{}, domain.ErrNotInRoom
	}
	items, snap, err := o.Carts.Checkout(code)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := o.Orders.Place(code, uid, items)
	if err != nil {
		return domain.Order{}, err
	}
	o.Announce(code, proto.CartSnapshot{Type: proto.TypeCartSnapshot, Snapshot: snap})
	return order, nil
}

// PlacePersonalOrder checks out a cart kept outside any room. Titles and
// prices come from the catalog, not from the caller.
func (o *Orchestrator) PlacePersonalOrder(uid domain.UserID, lines []proto.OrderLine) (domain.Order, error) {
	if uid == "" || len(uid) > domain.MaxUserIDLen {
		return domain.Order{}, domain.ErrUserIDInvalid
	}
	items := make([]domain.CartItem, 0, len(lines))
	for _, l := range lines {
		p, known := o.Catalog.Get(l.ProductID)
		if !known {
			return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrUnknownProduct, l.ProductID)
		}
		i := slices.IndexFunc(items, func(it domain.CartItem) bool { return it.ProductID == p.ID })
		have := 0
		if i >= 0 {
			have = items[i].Quantity
		}
		if err := p.CheckAdd(have, l.Quantity); err != nil {
			return domain.Order{}, err
		}
		if i >= 0 {
			items[i].Quantity += l.Quantity
			continue
		}
		items = append(items, domain.CartItem{ProductID: p.ID, Title: p.Title, Price: p.Price, Quantity: l.Quantity, AddedBy: uid})
	}
	return o.Orders.Place("", uid, items)
}

// Focus tells the other members which product sid is looking at.
func (o *Orchestrator) Focus(sid core.SessionID, id domain.ProductID) error {
	_, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ErrNotInRoom
	}
	if _, known := o.Catalog.Get(id); !known {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProduct, id)
	}
	o.Publish(sid, proto.ProductFocused{Type: proto.TypeProductFocused, ProductID: id, User: *sess.Meta().User})
	return nil
}
