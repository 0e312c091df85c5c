package domain

import "errors"

// Room session errors. Adapters map them to status codes; callers match with errors.Is.
var (
	ErrUserDeclinedResource = errors.New("media permission denied or device unavailable")
	ErrNegotiationFailure   = errors.New("media negotiation failed")
	ErrNegotiationTimeout   = errors.New("media negotiation timed out")
	ErrTransportUnavailable = errors.New("event bus not connected")
	ErrStaleSnapshot        = errors.New("snapshot older than the last applied one")
	ErrMalformedSnapshot    = errors.New("malformed snapshot")
	ErrInvalidRoom          = errors.New("room not found")
	ErrNotHost              = errors.New("only the host can do that")
	ErrNotInRoom            = errors.New("not in a room")
	ErrRoomEnded            = errors.New("room ended")
	ErrInvalidTransition    = errors.New("invalid call state transition")
	ErrNoPendingOffer       = errors.New("no pending call offer")
	ErrCallDeclined         = errors.New("call declined")
	ErrInvalidQuantity      = errors.New("quantity must be at least 1")
	ErrUnknownProduct       = errors.New("unknown product")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidVote          = errors.New("vote must be up or down")
	ErrStockExceeded        = errors.New("stock exceeded")
)
