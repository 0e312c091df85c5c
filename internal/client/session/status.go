package session

import (
	"github.com/dkeye/coshop/internal/client/call"
	"github.com/dkeye/coshop/internal/domain"
)

// Status is what the control surface renders. It never exposes media handles.
type Status struct {
	Room      domain.RoomCode `json:"roomCode,omitempty"`
	Host      domain.UserID   `json:"host,omitempty"`
	Self      domain.User     `json:"self"`
	Members   []domain.User   `json:"members"`
	Transport string          `json:"transport"`
	Call      call.Status     `json:"call"`
	Cart      CartView        `json:"cart"`
	Focus     *Focus          `json:"focus,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

type CartView struct {
	Seq   uint64            `json:"seq"`
	Items []domain.CartItem `json:"items"`
	Total float64           `json:"total"`
}

type Focus struct {
	ProductID domain.ProductID `json:"productId"`
	By        domain.User      `json:"by"`
}

func idleStatus(self domain.User) Status {
	return Status{
		Self:      self,
		Members:   []domain.User{},
		Transport: TransportClosed,
		Call:      call.Status{State: call.Idle, Participants: []domain.UserID{}},
		Cart:      CartView{Items: []domain.CartItem{}},
	}
}
