package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const RoomCodeLen = 8

type RoomCode string

type Room struct {
	Code      RoomCode  `json:"roomCode"`
	HostID    UserID    `json:"host"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRoomCode returns a short shareable code.
func NewRoomCode() RoomCode {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return RoomCode(strings.ToUpper(raw[:RoomCodeLen]))
}

// MembersSnapshot is the full membership view of a room at Version.
// Version grows with every membership change on the hub.
type MembersSnapshot struct {
	Room    RoomCode `json:"roomCode"`
	Host    UserID   `json:"host"`
	Version uint64   `json:"version"`
	Members []User   `json:"members"`
}
