package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/proto"
)

var ErrUnknownType = errors.New("unknown message type")

// Decode turns one inbound envelope into a typed room event.
// Keepalive replies decode to a nil event.
func Decode(data []byte) (core.Event, error) {
	typ, err := proto.TypeOf(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case proto.TypeMemberJoined:
		var m proto.MemberJoined
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if err := m.User.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
		return core.MemberJoined{User: m.User}, nil
	case proto.TypeMemberLeft:
		var m proto.MemberLeft
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.MemberLeft{UserID: m.UserID}, nil
	case proto.TypeRoomEnded:
		return core.RoomEnded{}, nil
	case proto.TypePong:
		return nil, nil
	case proto.TypeCallOffer:
		var m proto.CallOffer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.FromUser == nil {
			return nil, fmt.Errorf("%s: missing sender", typ)
		}
		return core.CallOffer{Offer: m.Offer, Room: m.RoomCode, From: *m.FromUser}, nil
	case proto.TypeCallAnswer:
		var m proto.CallAnswer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.CallAnswer{Answer: m.Answer, From: m.FromUser}, nil
	case proto.TypeICECandidate:
		var m proto.ICECandidate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.ICECandidate{Candidate: m.Candidate, From: m.FromUser}, nil
	case proto.TypeCallReject:
		var m proto.CallReject
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.CallRejected{From: m.FromUser, Reason: m.Reason}, nil
	case proto.TypeCallHangup:
		var m proto.CallHangup
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.CallHungUp{From: m.FromUser}, nil
	case proto.TypeCartSnapshot:
		var m proto.CartSnapshot
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.CartSnapshot{Snapshot: m.Snapshot}, nil
	case proto.TypeProductFocused:
		var m proto.ProductFocused
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.ProductFocused{ProductID: m.ProductID, By: m.User}, nil
	case proto.TypeError:
		var m proto.Error
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return core.ServerError{Code: m.Code, Message: m.Error}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}
