package app

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/domain"
)

type roomCart struct {
	seq   uint64
	items []domain.CartItem
}

// CartBook is the authoritative cart of every room. Every mutation bumps the
// room's Seq, even one that changed nothing, so the snapshot it produces
// always supersedes what clients applied optimistically.
type CartBook struct {
	mu    sync.Mutex
	carts map[domain.RoomCode]*roomCart
	now   func() time.Time
}

func NewCartBook() *CartBook {
	return &CartBook{carts: make(map[domain.RoomCode]*roomCart), now: time.Now}
}

func (b *CartBook) cart(code domain.RoomCode) *roomCart {
	c, ok := b.carts[code]
	if !ok {
		c = &roomCart{}
		b.carts[code] = c
	}
	return c
}

func (b *CartBook) snapshot(code domain.RoomCode, c *roomCart) domain.CartSnapshot {
	items := make([]domain.CartItem, len(c.items))
	for i, it := range c.items {
		items[i] = it.Clone()
	}
	return domain.CartSnapshot{Room: code, Seq: c.seq, Items: items, CapturedAt: b.now().UTC()}
}

func (b *CartBook) Snapshot(code domain.RoomCode) domain.CartSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot(code, b.cart(code))
}

// Add inserts p or increments its quantity, within the product's stock.
func (b *CartBook) Add(code domain.RoomCode, p domain.Product, qty int, by domain.UserID) (domain.CartSnapshot, error) {
	if qty < 1 {
		return domain.CartSnapshot{}, domain.ErrInvalidQuantity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cart(code)
	i := slices.IndexFunc(c.items, func(it domain.CartItem) bool { return it.ProductID == p.ID })
	have := 0
	if i >= 0 {
		have = c.items[i].Quantity
	}
	if err := p.CheckAdd(have, qty); err != nil {
		return domain.CartSnapshot{}, err
	}
	if i >= 0 {
		c.items[i].Quantity += qty
	} else {
		c.items = append(c.items, domain.CartItem{
			ProductID: p.ID,
			Title:     p.Title,
			Price:     p.Price,
			Quantity:  qty,
			AddedBy:   by,
		})
	}
	c.seq++
	return b.snapshot(code, c), nil
}

// Remove drops the product entirely. Removing an absent product still
// produces a fresh snapshot.
func (b *CartBook) Remove(code domain.RoomCode, id domain.ProductID) domain.CartSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cart(code)
	c.items = slices.DeleteFunc(c.items, func(it domain.CartItem) bool { return it.ProductID == id })
	c.seq++
	return b.snapshot(code, c)
}

func (b *CartBook) Vote(code domain.RoomCode, id domain.ProductID, uid domain.UserID, dir domain.VoteDirection) (domain.CartSnapshot, error) {
	if !dir.Valid() {
		return domain.CartSnapshot{}, fmt.Errorf("%w: %q", domain.ErrInvalidVote, dir)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cart(code)
	i := slices.IndexFunc(c.items, func(it domain.CartItem) bool { return it.ProductID == id })
	if i < 0 {
		return domain.CartSnapshot{}, fmt.Errorf("%w: %s not in cart", domain.ErrUnknownProduct, id)
	}
	c.items[i].Votes.Cast(uid, dir)
	c.seq++
	return b.snapshot(code, c), nil
}

// Checkout empties the cart and returns what it held plus the emptied snapshot.
func (b *CartBook) Checkout(code domain.RoomCode) ([]domain.CartItem, domain.CartSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cart(code)
	if len(c.items) == 0 {
		return nil, domain.CartSnapshot{}, domain.ErrEmptyCart
	}
	items := c.items
	c.items = nil
	c.seq++
	return items, b.snapshot(code, c), nil
}

func (b *CartBook) Drop(code domain.RoomCode) {
	b.mu.Lock()
	delete(b.carts, code)
	b.mu.Unlock()
}
