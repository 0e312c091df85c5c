package core

import (
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/webrtc/v4"
)

// EventKind tags inbound room events for logging and dispatch.
type EventKind int

const (
	EventMemberJoined EventKind = iota
	EventMemberLeft
	EventRoomEnded
	EventCallOffer
	EventCallAnswer
	EventICECandidate
	EventCallRejected
	EventCallHungUp
	EventCartSnapshot
	EventProductFocused
	EventTransport
	EventServerError
)

var eventKindNames = [...]string{
	"member-joined",
	"member-left",
	"room-ended",
	"call-offer",
	"call-answer",
	"ice-candidate",
	"call-rejected",
	"call-hungup",
	"cart-snapshot",
	"product-focused",
	"transport",
	"server-error",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is one inbound room event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
}

type MemberJoined struct{ User domain.User }

type MemberLeft struct{ UserID domain.UserID }

type RoomEnded struct{}

type CallOffer struct {
	Offer Negotiation
	Room  domain.RoomCode
	From  domain.User
}

type CallAnswer struct {
	Answer Negotiation
	From   domain.UserID
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
	From      domain.UserID
}

type CallRejected struct {
	From   domain.UserID
	Reason string
}

type CallHungUp struct{ From domain.UserID }

type CartSnapshot struct{ Snapshot domain.CartSnapshot }

type ProductFocused struct {
	ProductID domain.ProductID
	By        domain.User
}

// TransportChanged is produced locally by the bus client.
// Reconnected is set when a previously lost connection came back.
type TransportChanged struct {
	Connected   bool
	Reconnected bool
}

// ServerError is an error envelope pushed by the hub.
type ServerError struct {
	Code    string
	Message string
}

func (MemberJoined) Kind() EventKind     { return EventMemberJoined }
func (MemberLeft) Kind() EventKind       { return EventMemberLeft }
func (RoomEnded) Kind() EventKind        { return EventRoomEnded }
func (CallOffer) Kind() EventKind        { return EventCallOffer }
func (CallAnswer) Kind() EventKind       { return EventCallAnswer }
func (ICECandidate) Kind() EventKind     { return EventICECandidate }
func (CallRejected) Kind() EventKind     { return EventCallRejected }
func (CallHungUp) Kind() EventKind       { return EventCallHungUp }
func (CartSnapshot) Kind() EventKind     { return EventCartSnapshot }
func (ProductFocused) Kind() EventKind   { return EventProductFocused }
func (TransportChanged) Kind() EventKind { return EventTransport }
func (ServerError) Kind() EventKind      { return EventServerError }
