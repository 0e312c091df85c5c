package core

import (
	"github.com/dkeye/coshop/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a hub room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() domain.MembersSnapshot
	HasUser(uid domain.UserID) bool
	// Joined reports whether anyone has ever joined the room.
	Joined() bool

	// AddMember returns false when the user was already present under another session.
	AddMember(sid SessionID, ms MemberSession) bool
	// RemoveMember returns whether the session was a member.
	RemoveMember(sid SessionID) bool
	Broadcast(from SessionID, data Frame) PublishResult
	SendToUser(uid domain.UserID, data Frame) (MemberSession, error)
}

type RoomInfo struct {
	Code        domain.RoomCode `json:"roomCode"`
	Host        domain.UserID   `json:"host"`
	MemberCount int             `json:"client_count"`
}

type RoomManager interface {
	Create(host domain.UserID) RoomService
	Get(code domain.RoomCode) (RoomService, bool)
	List() []RoomInfo
	StopRoom(code domain.RoomCode)
}
