package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HandleBus opens a member's room event channel. Membership is established
// before the upgrade completes, so a 404 tells the dialer the room is gone.
func (ctl *Controller) HandleBus(ctx context.Context, c *gin.Context) {
	code := domain.RoomCode(c.Query("room"))
	u := domain.User{ID: domain.UserID(c.Query("user")), Username: c.Query("name")}
	if u.Username == "" {
		if known, ok := ctl.Orch.Registry.User(u.ID); ok {
			u.Username = known.Username
		}
	}
	if code == "" || u.Validate() != nil {
		c.JSON(http.StatusBadRequest, proto.APIError{Code: proto.CodeBadPayload, Error: "room, user and name are required"})
		return
	}
	if _, ok := ctl.Orch.Rooms.Get(code); !ok {
		c.JSON(http.StatusNotFound, proto.APIError{Code: proto.CodeInvalidRoom, Error: "room not found"})
		return
	}

	user := ctl.Orch.Registry.Remember(u)
	sid := core.SessionID(uuid.NewString())
	sess := core.NewMemberSession(domain.NewMember(user))
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSession(sid, code, sess, cancel)
	if err := ctl.Orch.Join(sid); err != nil {
		ctl.Orch.Registry.Unbind(sid)
		cancel()
		c.JSON(http.StatusNotFound, proto.APIError{Code: proto.CodeOf(err), Error: err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		ctl.Orch.Leave(sid, false)
		ctl.Orch.Registry.Unbind(sid)
		cancel()
		return
	}
	conn := newWsSignalConn(ws, ctl.sendBuffer())
	sess.UpdateSignal(conn)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(code)).Str("user", string(user.ID)).Msg("bus connected")

	go ctl.writePump(ctx, conn)
	go func() {
		defer func() {
			ctl.Orch.Leave(sid, false)
			ctl.Orch.Registry.Unbind(sid)
			ctl.Limiter.Forget(user.ID)
			conn.Close()
			cancel()
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("bus closed")
		}()
		ctl.readPump(sid, conn, func(data []byte) { ctl.handleFrame(sid, conn, data) })
	}()
}

func (ctl *Controller) sendError(conn *WsSignalConn, code, msg string) {
	conn.sendJSON(proto.NewError(code, msg))
}

func (ctl *Controller) handleFrame(sid core.SessionID, conn *WsSignalConn, data []byte) {
	typ, err := proto.TypeOf(data)
	if err != nil {
		ctl.sendError(conn, proto.CodeBadPayload, "bad json")
		return
	}
	if typ == proto.TypePing {
		conn.sendJSON(proto.Envelope{Type: proto.TypePong})
		return
	}

	code, sess, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.sendError(conn, proto.CodeNotInRoom, "not in a room")
		return
	}
	self := *sess.Meta().User

	switch typ {
	case proto.TypeJoinRoom:
		var m proto.JoinRoom
		if !decode(conn, data, &m) {
			return
		}
		if m.RoomCode != code {
			ctl.sendError(conn, proto.CodeInvalidRoom, "this channel belongs to another room")
			return
		}
		if err := ctl.Orch.Join(sid); err != nil {
			ctl.sendError(conn, proto.CodeOf(err), err.Error())
		}

	case proto.TypeLeaveRoom:
		ctl.Orch.Leave(sid, true)

	case proto.TypeEndRoom:
		var m proto.EndRoom
		if !decode(conn, data, &m) {
			return
		}
		if m.RoomCode == "" {
			m.RoomCode = code
		}
		if err := ctl.Orch.EndRoom(m.RoomCode, self.ID); err != nil && !errors.Is(err, domain.ErrInvalidRoom) {
			ctl.sendError(conn, proto.CodeOf(err), err.Error())
		}

	case proto.TypeCallOffer:
		var m proto.CallOffer
		if !decode(conn, data, &m) {
			return
		}
		if !ctl.Limiter.Allow(self.ID) {
			ctl.sendError(conn, proto.CodeRateLimited, "too many call offers")
			return
		}
		m.RoomCode, m.FromUser = code, &self
		ctl.Orch.Publish(sid, m)

	case proto.TypeCallAnswer:
		var m proto.CallAnswer
		if !decode(conn, data, &m) {
			return
		}
		m.FromUser = self.ID
		ctl.direct(sid, code, m.ToUser, m)

	case proto.TypeICECandidate:
		var m proto.ICECandidate
		if !decode(conn, data, &m) {
			return
		}
		m.FromUser = self.ID
		ctl.direct(sid, code, m.ToUser, m)

	case proto.TypeCallReject:
		var m proto.CallReject
		if !decode(conn, data, &m) {
			return
		}
		m.FromUser = self.ID
		ctl.direct(sid, code, m.ToUser, m)

	case proto.TypeCallHangup:
		ctl.Orch.Publish(sid, proto.CallHangup{Type: proto.TypeCallHangup, FromUser: self.ID})

	case proto.TypeCartMutation:
		var m proto.CartMutation
		if !decode(conn, data, &m) {
			return
		}
		if !ctl.Limiter.Allow(self.ID) {
			ctl.sendError(conn, proto.CodeRateLimited, "too many cart changes")
			ctl.Orch.ResyncCart(sid)
			return
		}
		if _, err := ctl.Orch.ApplyCart(sid, m); err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("cart mutation rejected")
			ctl.sendError(conn, proto.CodeOf(err), err.Error())
			ctl.Orch.ResyncCart(sid)
		}

	case proto.TypeFocusProduct:
		var m proto.FocusProduct
		if !decode(conn, data, &m) {
			return
		}
		if err := ctl.Orch.Focus(sid, m.ProductID); err != nil {
			ctl.sendError(conn, proto.CodeOf(err), err.Error())
		}

	default:
		log.Warn().Str("module", "signal").Str("type", typ).Msg("unknown message")
		ctl.sendError(conn, proto.CodeUnknownType, typ)
	}
}

// direct delivers call signaling to one user, or to the whole room when to is empty.
func (ctl *Controller) direct(sid core.SessionID, code domain.RoomCode, to domain.UserID, v any) {
	if to == "" {
		ctl.Orch.Publish(sid, v)
		return
	}
	if err := ctl.Orch.SendTo(code, to, v); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("to", string(to)).Msg("direct send")
	}
}

func decode(conn *WsSignalConn, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad payload")
		conn.sendJSON(proto.NewError(proto.CodeBadPayload, err.Error()))
		return false
	}
	return true
}
