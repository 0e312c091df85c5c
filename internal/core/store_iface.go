package core

import (
	"context"

	"github.com/dkeye/coshop/internal/domain"
)

// PersistedState survives client restarts so a room can be rejoined.
type PersistedState struct {
	User *domain.User
	Room domain.RoomCode
	// Cart is the personal cart kept while outside any room.
	Cart []domain.CartItem
}

type StateStore interface {
	Load(ctx context.Context) (PersistedState, error)
	SaveUser(ctx context.Context, u domain.User) error
	SaveRoom(ctx context.Context, code domain.RoomCode) error
	ClearRoom(ctx context.Context) error
	SaveCart(ctx context.Context, items []domain.CartItem) error
}
