// Package orch ties hub rooms, connections, carts and media relays together.
// Controllers call into it; it never touches sockets directly.
package orch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/app"
	"github.com/dkeye/coshop/internal/app/sfu"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Carts    *app.CartBook
	Catalog  *app.Catalog
	Orders   *app.OrderBook
	// EmptyRoomTTL is how long a room with nobody connected survives.
	// Zero keeps such rooms until the host ends them.
	EmptyRoomTTL time.Duration

	mu      sync.Mutex
	reapers map[domain.RoomCode]*time.Timer
}

func encode(v any) (core.Frame, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal frame")
		return nil, false
	}
	return b, true
}

// Publish sends v to everyone in sid's room except sid.
func (o *Orchestrator) Publish(sid core.SessionID, v any) {
	code, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.fanOut(code, sid, v)
}

// Announce sends v to every member of the room.
func (o *Orchestrator) Announce(code domain.RoomCode, v any) {
	o.fanOut(code, "", v)
}

func (o *Orchestrator) fanOut(code domain.RoomCode, from core.SessionID, v any) {
	room, ok := o.Rooms.Get(code)
	if !ok {
		return
	}
	frame, ok := encode(v)
	if !ok {
		return
	}
	res := room.Broadcast(from, frame)
	o.applyPolicy(code, room, res)
}

func (o *Orchestrator) applyPolicy(code domain.RoomCode, room core.RoomService, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			for _, snap := range o.Registry.MembersOfRoom(code) {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
					o.KickBySID(snap.SID)
				}
			}
		case app.DropFrame, app.NoAction:
		}
	}
}

// SendTo delivers v to one user of the room.
func (o *Orchestrator) SendTo(code domain.RoomCode, uid domain.UserID, v any) error {
	room, ok := o.Rooms.Get(code)
	if !ok {
		return domain.ErrInvalidRoom
	}
	frame, ok := encode(v)
	if !ok {
		return nil
	}
	ms, err := room.SendToUser(uid, frame)
	if err != nil && ms != nil {
		o.applyPolicy(code, room, core.PublishResult{Dropped: []core.MemberSession{ms}})
	}
	return err
}

// Reply answers on sid's own event channel.
func (o *Orchestrator) Reply(sid core.SessionID, v any) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return
	}
	if frame, ok := encode(v); ok {
		_ = sess.Signal().TrySend(frame)
	}
}
