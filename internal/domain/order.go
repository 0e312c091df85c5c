package domain

import "time"

type OrderID string

type Order struct {
	ID        OrderID    `json:"id"`
	UserID    UserID     `json:"userId"`
	Room      RoomCode   `json:"roomCode,omitempty"`
	Items     []CartItem `json:"items"`
	Total     float64    `json:"total"`
	CreatedAt time.Time  `json:"createdAt"`
}
