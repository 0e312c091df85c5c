package core

import (
	"context"

	"github.com/dkeye/coshop/internal/domain"
)

// RoomDirectory is the request/response side of the hub.
type RoomDirectory interface {
	CreateRoom(ctx context.Context, host domain.UserID) (domain.Room, error)
	GetRoom(ctx context.Context, code domain.RoomCode) (domain.Room, error)
	Members(ctx context.Context, code domain.RoomCode) (domain.MembersSnapshot, error)
	Cart(ctx context.Context, code domain.RoomCode) (domain.CartSnapshot, error)
	EndRoom(ctx context.Context, code domain.RoomCode, by domain.UserID) error
}

type Catalog interface {
	Products(ctx context.Context) ([]domain.Product, error)
}

type Orders interface {
	UserOrders(ctx context.Context, uid domain.UserID) ([]domain.Order, error)
	PlaceOrder(ctx context.Context, code domain.RoomCode, uid domain.UserID) (domain.Order, error)
	// PlacePersonalOrder checks out items that were never in a room.
	PlacePersonalOrder(ctx context.Context, uid domain.UserID, items []domain.CartItem) (domain.Order, error)
}

type Identity interface {
	RegisterUser(ctx context.Context, username string) (domain.User, error)
}

// RelayGrant authorizes one user to join a room's relay channel.
type RelayGrant struct {
	Token   string `json:"token"`
	URL     string `json:"url"`
	Channel string `json:"channel"`
}

type RelayTokens interface {
	RelayToken(ctx context.Context, code domain.RoomCode, uid domain.UserID) (RelayGrant, error)
}
