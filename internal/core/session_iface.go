package core

import "github.com/dkeye/coshop/internal/domain"

type SessionID string

// MemberSession binds domain.Member and its transport endpoints.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	Relay() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateRelay(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
