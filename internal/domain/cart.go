package domain

import (
	"fmt"
	"slices"
	"time"
)

type ProductID string

type Product struct {
	ID       ProductID `json:"id" mapstructure:"id"`
	Title    string    `json:"title" mapstructure:"title"`
	Category string    `json:"category" mapstructure:"category"`
	Price    float64   `json:"price" mapstructure:"price"`
	Stock    int       `json:"stock" mapstructure:"stock"`
}

// MaxLineQuantity bounds one cart line whatever the product's stock.
const MaxLineQuantity = 999

// CheckAdd validates adding qty units of p to a line that already holds have.
// A Stock of zero means the product's stock is not tracked.
func (p Product) CheckAdd(have, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	limit := MaxLineQuantity
	if p.Stock > 0 && p.Stock < limit {
		limit = p.Stock
	}
	if have > limit || qty > limit-have {
		return fmt.Errorf("%w: %s has %d, adding %d, limit %d", ErrStockExceeded, p.ID, have, qty, limit)
	}
	return nil
}

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

func (d VoteDirection) Valid() bool { return d == VoteUp || d == VoteDown }

type Votes struct {
	Up   []UserID `json:"up"`
	Down []UserID `json:"down"`
}

// Cast records a vote of uid, moving it out of the opposite tally.
// Casting the same vote twice keeps a single entry.
func (v *Votes) Cast(uid UserID, dir VoteDirection) {
	v.Up = slices.DeleteFunc(v.Up, func(id UserID) bool { return id == uid })
	v.Down = slices.DeleteFunc(v.Down, func(id UserID) bool { return id == uid })
	switch dir {
	case VoteUp:
		v.Up = append(v.Up, uid)
	case VoteDown:
		v.Down = append(v.Down, uid)
	}
}

func (v Votes) clone() Votes {
	return Votes{Up: slices.Clone(v.Up), Down: slices.Clone(v.Down)}
}

type CartItem struct {
	ProductID ProductID `json:"productId"`
	Title     string    `json:"title,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Quantity  int       `json:"quantity"`
	AddedBy   UserID    `json:"addedBy"`
	Votes     Votes     `json:"votes"`
}

// Clone returns a deep copy, so callers never share vote slices.
func (it CartItem) Clone() CartItem {
	it.Votes = it.Votes.clone()
	return it
}

// CartSnapshot is the full authoritative cart of a room.
// Seq is assigned by the hub and only grows.
type CartSnapshot struct {
	Room       RoomCode   `json:"roomCode"`
	Seq        uint64     `json:"seq"`
	Items      []CartItem `json:"items"`
	CapturedAt time.Time  `json:"capturedAt"`
}

// Validate enforces one entry per product and a positive quantity.
func (s CartSnapshot) Validate() error {
	seen := make(map[ProductID]struct{}, len(s.Items))
	for _, it := range s.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: empty product id", ErrMalformedSnapshot)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: product %s quantity %d", ErrMalformedSnapshot, it.ProductID, it.Quantity)
		}
		if _, dup := seen[it.ProductID]; dup {
			return fmt.Errorf("%w: duplicate product %s", ErrMalformedSnapshot, it.ProductID)
		}
		seen[it.ProductID] = struct{}{}
	}
	return nil
}

func CartTotal(items []CartItem) float64 {
	var total float64
	for _, it := range items {
		total += it.Price * float64(it.Quantity)
	}
	return total
}
