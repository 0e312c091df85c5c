// Package proto holds the JSON envelopes exchanged on the room event channel
// and on the relay signaling channel. Every message carries a "type" field.
package proto

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Room event channel message types.
const (
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeEndRoom        = "end-room"
	TypeMemberJoined   = "member-joined"
	TypeMemberLeft     = "member-left"
	TypeRoomEnded      = "room-ended"
	TypeCallOffer      = "call-offer"
	TypeCallAnswer     = "call-answer"
	TypeICECandidate   = "ice-candidate"
	TypeCallReject     = "call-reject"
	TypeCallHangup     = "call-hangup"
	TypeCartMutation   = "cart-mutation"
	TypeCartSnapshot   = "cart-snapshot"
	TypeFocusProduct   = "focus-product"
	TypeProductFocused = "product-focused"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// Relay signaling message types.
const (
	TypeRelayOffer            = "offer"
	TypeRelayAnswer           = "answer"
	TypeRelayCandidate        = "candidate"
	TypeRelayParticipantLeft  = "participant-left"
	TypeRelayParticipantReady = "participant-ready"
)

// Error codes sent in Error envelopes.
const (
	CodeBadPayload  = "bad_payload"
	CodeInvalidRoom = "invalid_room"
	CodeNotInRoom   = "not_in_room"
	CodeNotHost     = "not_host"
	CodeRateLimited = "rate_limited"
	CodeUnknownType = "unknown_type"
	CodeBadProduct  = "bad_product"
	CodeEmptyCart   = "empty_cart"
	CodeBadQuantity = "bad_quantity"
	CodeNoStock     = "stock_exceeded"
	CodeBadUsername = "bad_username"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal"
)

// Envelope is decoded first to pick the concrete payload.
type Envelope struct {
	Type string `json:"type"`
}

// Negotiation is carried as-is: DirectPeer fills SDP, ManagedRelay fills Channel.
type Negotiation = core.Negotiation

type JoinRoom struct {
	Type     string          `json:"type"`
	RoomCode domain.RoomCode `json:"roomCode"`
	UserID   domain.UserID   `json:"userId"`
}

type LeaveRoom struct {
	Type     string          `json:"type"`
	RoomCode domain.RoomCode `json:"roomCode"`
	UserID   domain.UserID   `json:"userId"`
}

type EndRoom struct {
	Type     string          `json:"type"`
	RoomCode domain.RoomCode `json:"roomCode"`
}

type MemberJoined struct {
	Type string      `json:"type"`
	User domain.User `json:"user"`
}

type MemberLeft struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type RoomEnded struct {
	Type string `json:"type"`
}

type CallOffer struct {
	Type     string          `json:"type"`
	Offer    Negotiation     `json:"offer"`
	RoomCode domain.RoomCode `json:"roomCode"`
	FromUser *domain.User    `json:"fromUser,omitempty"`
}

type CallAnswer struct {
	Type     string        `json:"type"`
	Answer   Negotiation   `json:"answer"`
	ToUser   domain.UserID `json:"toUser,omitempty"`
	FromUser domain.UserID `json:"fromUser,omitempty"`
}

type ICECandidate struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	ToUser    domain.UserID           `json:"toUser,omitempty"`
	FromUser  domain.UserID           `json:"fromUser,omitempty"`
}

type CallReject struct {
	Type     string        `json:"type"`
	Reason   string        `json:"reason"`
	ToUser   domain.UserID `json:"toUser,omitempty"`
	FromUser domain.UserID `json:"fromUser,omitempty"`
}

type CallHangup struct {
	Type     string        `json:"type"`
	FromUser domain.UserID `json:"fromUser,omitempty"`
}

type CartOp string

const (
	CartOpAdd    CartOp = "add"
	CartOpRemove CartOp = "remove"
	CartOpVote   CartOp = "vote"
)

type CartMutationItem struct {
	ProductID domain.ProductID     `json:"productId"`
	Quantity  int                  `json:"quantity,omitempty"`
	AddedBy   domain.UserID        `json:"addedBy,omitempty"`
	Vote      domain.VoteDirection `json:"vote,omitempty"`
}

type CartMutation struct {
	Type     string           `json:"type"`
	RoomCode domain.RoomCode  `json:"roomCode"`
	Op       CartOp           `json:"op"`
	Item     CartMutationItem `json:"item"`
}

type CartSnapshot struct {
	Type     string              `json:"type"`
	Snapshot domain.CartSnapshot `json:"snapshot"`
}

type FocusProduct struct {
	Type      string           `json:"type"`
	RoomCode  domain.RoomCode  `json:"roomCode"`
	ProductID domain.ProductID `json:"productId"`
}

type ProductFocused struct {
	Type      string           `json:"type"`
	ProductID domain.ProductID `json:"productId"`
	User      domain.User      `json:"user"`
}

type Error struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// RelaySignal is used in both directions on the relay channel.
type RelaySignal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID    domain.UserID            `json:"userId,omitempty"`
}

// Hub REST request bodies.

type RegisterUserRequest struct {
	Username string `json:"username"`
}

type CreateRoomRequest struct {
	HostID domain.UserID `json:"hostId"`
}

type EndRoomRequest struct {
	RoomCode domain.RoomCode `json:"roomCode"`
	UserID   domain.UserID   `json:"userId"`
}

type RelayTokenRequest struct {
	UserID domain.UserID `json:"userId"`
}

// PlaceOrderRequest checks out a room cart, or the listed items when
// RoomCode is empty.
type PlaceOrderRequest struct {
	RoomCode domain.RoomCode `json:"roomCode,omitempty"`
	UserID   domain.UserID   `json:"userId"`
	Items    []OrderLine     `json:"items,omitempty"`
}

type OrderLine struct {
	ProductID domain.ProductID `json:"productId"`
	Quantity  int              `json:"quantity"`
}

type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// APIError is the body of every failed hub REST call.
type APIError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// TypeOf peeks at the envelope type without decoding the payload.
func TypeOf(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

func NewError(code, msg string) Error {
	return Error{Type: TypeError, Code: code, Error: msg}
}

// CodeOf maps a domain error to its wire code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRoom):
		return CodeInvalidRoom
	case errors.Is(err, domain.ErrNotHost):
		return CodeNotHost
	case errors.Is(err, domain.ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, domain.ErrUnknownProduct):
		return CodeBadProduct
	case errors.Is(err, domain.ErrEmptyCart):
		return CodeEmptyCart
	case errors.Is(err, domain.ErrInvalidQuantity):
		return CodeBadQuantity
	case errors.Is(err, domain.ErrStockExceeded):
		return CodeNoStock
	case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
		return CodeBadUsername
	default:
		return CodeBadPayload
	}
}
