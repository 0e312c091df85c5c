package orch

import (
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/rs/zerolog/log"
)

// CreateRoom opens a room for host. Nobody has joined it yet, so it is reaped
// like any other empty room.
func (o *Orchestrator) CreateRoom(host domain.UserID) core.RoomService {
	room := o.Rooms.Create(host)
	o.scheduleReap(room.Room().Code)
	return room
}

// Join makes sid's bound room its membership. A user already present under an
// older connection is taken over by the new one without a join notice.
func (o *Orchestrator) Join(sid core.SessionID) error {
	code, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ErrNotInRoom
	}
	room, ok := o.Rooms.Get(code)
	if !ok {
		return domain.ErrInvalidRoom
	}
	o.cancelReap(code)

	uid := sess.Meta().User.ID
	for _, snap := range o.Registry.MembersOfRoom(code) {
		if snap.SID != sid && snap.Session.Meta().User.ID == uid {
			log.Info().Str("module", "orch").Str("sid", string(snap.SID)).Str("user", string(uid)).Msg("superseded by a newer connection")
			o.cleanupMedia(snap.SID)
			o.Registry.RemoveRoom(snap.SID)
			o.Registry.Cancel(snap.SID)
		}
	}

	if room.AddMember(sid, sess) {
		o.Publish(sid, proto.MemberJoined{Type: proto.TypeMemberJoined, User: *sess.Meta().User})
	}
	return nil
}

// Leave drops sid from its room. An explicit leave of the last member
// destroys the room at once; a dropped connection only starts the reaper.
func (o *Orchestrator) Leave(sid core.SessionID, explicit bool) {
	code, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)

	room, ok := o.Rooms.Get(code)
	if !ok {
		return
	}
	uid := sess.Meta().User.ID
	if !room.HasUser(uid) {
		o.Announce(code, proto.MemberLeft{Type: proto.TypeMemberLeft, UserID: uid})
	}
	if room.MemberCount() > 0 {
		return
	}
	if explicit {
		log.Info().Str("module", "orch").Str("room", string(code)).Msg("last member left")
		o.EvictRoom(code)
		return
	}
	o.scheduleReap(code)
}

// EndRoom is the host's explicit teardown.
func (o *Orchestrator) EndRoom(code domain.RoomCode, by domain.UserID) error {
	room, ok := o.Rooms.Get(code)
	if !ok {
		return domain.ErrInvalidRoom
	}
	if room.Room().HostID != by {
		return domain.ErrNotHost
	}
	o.Announce(code, proto.RoomEnded{Type: proto.TypeRoomEnded})
	o.EvictRoom(code)
	return nil
}

// KickBySID removes sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid, false)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	code, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if room, ok := o.Rooms.Get(code); ok {
		room.RemoveMember(sid)
	}
	o.Registry.RemoveRoom(sid)
	if o.Policy != nil {
		o.Policy.Forget(sess)
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(code)).
		Dur("stayed", time.Since(sess.Meta().JoinedAt)).Msg("member detached")
}

// EvictRoom detaches every member and forgets the room, its cart included.
// Connections stay open so the room-ended notice can still be delivered.
func (o *Orchestrator) EvictRoom(code domain.RoomCode) {
	for _, snap := range o.Registry.MembersOfRoom(code) {
		o.cleanupMedia(snap.SID)
		o.cleanupMembership(snap.SID)
	}
	o.cancelReap(code)
	o.Rooms.StopRoom(code)
	if o.Carts != nil {
		o.Carts.Drop(code)
	}
}

func (o *Orchestrator) scheduleReap(code domain.RoomCode) {
	if o.EmptyRoomTTL <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reapers == nil {
		o.reapers = make(map[domain.RoomCode]*time.Timer)
	}
	if t, ok := o.reapers[code]; ok {
		t.Stop()
	}
	o.reapers[code] = time.AfterFunc(o.EmptyRoomTTL, func() {
		o.mu.Lock()
		delete(o.reapers, code)
		o.mu.Unlock()
		if room, ok := o.Rooms.Get(code); ok && room.MemberCount() == 0 {
			log.Info().Str("module", "orch").Str("room", string(code)).Msg("reaping empty room")
			o.EvictRoom(code)
		}
	})
}

func (o *Orchestrator) cancelReap(code domain.RoomCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.reapers[code]; ok {
		t.Stop()
		delete(o.reapers, code)
	}
}
