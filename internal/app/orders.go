package app

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/google/uuid"
)

// OrderBook keeps placed orders in memory, newest first per user.
type OrderBook struct {
	mu     sync.RWMutex
	byUser map[domain.UserID][]domain.Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{byUser: make(map[domain.UserID][]domain.Order)}
}

func (b *OrderBook) Place(code domain.RoomCode, uid domain.UserID, items []domain.CartItem) (domain.Order, error) {
	if len(items) == 0 {
		return domain.Order{}, domain.ErrEmptyCart
	}
	o := domain.Order{
		ID:        domain.OrderID(uuid.NewString()),
		UserID:    uid,
		Room:      code,
		Items:     items,
		Total:     domain.CartTotal(items),
		CreatedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.byUser[uid] = append([]domain.Order{o}, b.byUser[uid]...)
	b.mu.Unlock()
	return o, nil
}

func (b *OrderBook) ForUser(uid domain.UserID) []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.byUser[uid])
}
