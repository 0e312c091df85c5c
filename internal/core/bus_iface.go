package core

import (
	"context"

	"github.com/dkeye/coshop/internal/domain"
)

// EventBus is the room-scoped pub/sub channel as seen by one member.
// Emit never buffers while disconnected: it fails with domain.ErrTransportUnavailable.
type EventBus interface {
	Events() <-chan Event
	Emit(msg any) error
	Connected() bool
	Close()
}

type BusDialer interface {
	Dial(ctx context.Context, room domain.RoomCode, self domain.User) (EventBus, error)
}
