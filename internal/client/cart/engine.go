// Package cart reconciles optimistic local cart edits with the authoritative
// snapshots pushed by the hub.
package cart

import (
	"fmt"
	"slices"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/rs/zerolog/log"
)

// Emitter publishes a message on the room channel.
type Emitter interface {
	Emit(msg any) error
}

// Engine is owned by the room session loop and is not safe for concurrent use.
//
// Local edits are provisional. The last applied snapshot always wins, and a
// snapshot replaces the items verbatim, optimistic entries included.
type Engine struct {
	room domain.RoomCode
	self domain.UserID
	bus  Emitter

	items  []domain.CartItem
	seq    uint64
	synced bool
}

func NewEngine(room domain.RoomCode, self domain.UserID, bus Emitter) *Engine {
	return &Engine{room: room, self: self, bus: bus}
}

// NewPersonalEngine keeps a cart that belongs to no room. Edits apply
// locally and nothing is published.
func NewPersonalEngine(self domain.UserID) *Engine {
	return &Engine{self: self}
}

func (e *Engine) Personal() bool { return e.bus == nil }

// Restore replaces a personal cart with previously saved items.
func (e *Engine) Restore(items []domain.CartItem) error {
	if !e.Personal() {
		return fmt.Errorf("restore: cart belongs to room %s", e.room)
	}
	if err := (domain.CartSnapshot{Items: items}).Validate(); err != nil {
		return err
	}
	e.items = make([]domain.CartItem, 0, len(items))
	for _, it := range items {
		e.items = append(e.items, it.Clone())
	}
	return nil
}

// AddItem emits the mutation and then inserts or increments locally.
// A zero qty means one.
func (e *Engine) AddItem(p domain.Product, qty int) error {
	if qty == 0 {
		qty = 1
	}
	if qty < 1 {
		return domain.ErrInvalidQuantity
	}
	if p.ID == "" {
		return domain.ErrUnknownProduct
	}
	i := e.index(p.ID)
	have := 0
	if i >= 0 {
		have = e.items[i].Quantity
	}
	if err := p.CheckAdd(have, qty); err != nil {
		return err
	}
	err := e.emit(proto.CartOpAdd, proto.CartMutationItem{ProductID: p.ID, Quantity: qty, AddedBy: e.self})
	if err != nil {
		return err
	}
	if i >= 0 {
		e.items[i].Quantity += qty
		return nil
	}
	e.items = append(e.items, domain.CartItem{
		ProductID: p.ID,
		Title:     p.Title,
		Price:     p.Price,
		Quantity:  qty,
		AddedBy:   e.self,
	})
	return nil
}

func (e *Engine) RemoveItem(id domain.ProductID) error {
	i := e.index(id)
	if i < 0 {
		return domain.ErrUnknownProduct
	}
	if err := e.emit(proto.CartOpRemove, proto.CartMutationItem{ProductID: id}); err != nil {
		return err
	}
	e.items = slices.Delete(e.items, i, i+1)
	return nil
}

func (e *Engine) Vote(id domain.ProductID, dir domain.VoteDirection) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidVote, dir)
	}
	i := e.index(id)
	if i < 0 {
		return domain.ErrUnknownProduct
	}
	if err := e.emit(proto.CartOpVote, proto.CartMutationItem{ProductID: id, Vote: dir, AddedBy: e.self}); err != nil {
		return err
	}
	e.items[i].Votes.Cast(e.self, dir)
	return nil
}

// ApplySnapshot replaces the cart with snap. Strictly older sequence numbers
// are discarded; an equal one is applied again.
func (e *Engine) ApplySnapshot(snap domain.CartSnapshot) error {
	if e.synced && snap.Seq < e.seq {
		log.Debug().Str("module", "cart").Str("room", string(e.room)).Uint64("seq", snap.Seq).Uint64("have", e.seq).Msg("stale snapshot dropped")
		return domain.ErrStaleSnapshot
	}
	if err := snap.Validate(); err != nil {
		log.Warn().Str("module", "cart").Str("room", string(e.room)).Err(err).Msg("snapshot rejected")
		return err
	}
	items := make([]domain.CartItem, 0, len(snap.Items))
	for _, it := range snap.Items {
		items = append(items, it.Clone())
	}
	e.items = items
	e.seq = snap.Seq
	e.synced = true
	return nil
}

// CurrentItems returns a copy in snapshot order, optimistic inserts last.
func (e *Engine) CurrentItems() []domain.CartItem {
	out := make([]domain.CartItem, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, it.Clone())
	}
	return out
}

func (e *Engine) Seq() uint64 { return e.seq }

func (e *Engine) Total() float64 { return domain.CartTotal(e.items) }

func (e *Engine) Clear() {
	e.items = nil
	e.seq = 0
	e.synced = false
}

func (e *Engine) emit(op proto.CartOp, item proto.CartMutationItem) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Emit(proto.CartMutation{
		Type:     proto.TypeCartMutation,
		RoomCode: e.room,
		Op:       op,
		Item:     item,
	})
}

func (e *Engine) index(id domain.ProductID) int {
	return slices.IndexFunc(e.items, func(it domain.CartItem) bool { return it.ProductID == id })
}
