package core

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoSuchMember = errors.New("no such member")

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room    *domain.Room
	mu      sync.RWMutex
	bySID   map[SessionID]MemberSession
	byUser  map[domain.UserID]SessionID
	version uint64
	joined  bool
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		bySID:  make(map[SessionID]MemberSession),
		byUser: make(map[domain.UserID]SessionID),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *roomImpl) HasUser(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[uid]
	return ok
}

func (r *roomImpl) Joined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) bool {
	u := ms.Meta().User.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.byUser[u]
	if existed && prev != sid {
		// Same user from a new connection: the newest session wins.
		delete(r.bySID, prev)
	}
	r.bySID[sid] = ms
	r.byUser[u] = sid
	r.joined = true
	if !existed {
		r.version++
	}
	log.Info().Str("module", "core.room").Str("room", string(r.room.Code)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
	return !existed
}

func (r *roomImpl) RemoveMember(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return false
	}
	u := ms.Meta().User.ID
	if r.byUser[u] == sid {
		delete(r.byUser, u)
		r.version++
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Code)).Str("sid", string(sid)).Msg("member removed")
	return true
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		sig := m.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendToUser(uid domain.UserID, data Frame) (MemberSession, error) {
	r.mu.RLock()
	sid, ok := r.byUser[uid]
	var ms MemberSession
	if ok {
		ms = r.bySID[sid]
	}
	r.mu.RUnlock()
	if ms == nil || ms.Signal() == nil {
		return nil, ErrNoSuchMember
	}
	return ms, ms.Signal().TrySend(data)
}

func (r *roomImpl) MembersSnapshot() domain.MembersSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := domain.MembersSnapshot{
		Room:    r.room.Code,
		Host:    r.room.HostID,
		Version: r.version,
		Members: make([]domain.User, 0, len(r.byUser)),
	}
	for _, sid := range r.byUser {
		out.Members = append(out.Members, *r.bySID[sid].Meta().User)
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].ID < out.Members[j].ID })
	return out
}
