package app

import (
	"context"
	"sync"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room    domain.RoomCode
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks live connections and the users the hub has seen.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]*domain.User),
	}
}

// RegisterUser issues a fresh identity.
func (r *Registry) RegisterUser(username string) (domain.User, error) {
	u, err := domain.NewUser(username)
	if err != nil {
		return domain.User{}, err
	}
	r.mu.Lock()
	r.users[u.ID] = u
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("user", string(u.ID)).Str("username", u.Username).Msg("registered user")
	return *u, nil
}

// Remember records a user that introduced itself on connect, so identities
// survive a hub restart without a new registration.
func (r *Registry) Remember(u domain.User) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if known, ok := r.users[u.ID]; ok {
		if u.Username != "" && known.Username != u.Username {
			known.Username = u.Username
		}
		return known
	}
	cp := u
	r.users[u.ID] = &cp
	return &cp
}

func (r *Registry) User(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		return *u, true
	}
	return domain.User{}, false
}

func (r *Registry) BindSession(sid core.SessionID, code domain.RoomCode, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Room: code, Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(code)).Msg("bound session")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomCode, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.Room == "" {
		return "", nil, false
	}
	return entry.Room, entry.Session, true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.Room = ""
	}
}

type RegSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(code domain.RoomCode) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == code {
			out = append(out, RegSnap{SID: sid, Session: e.Session})
		}
	}
	return out
}

// SessionOfUser finds the live connection of uid in room code.
func (r *Registry) SessionOfUser(code domain.RoomCode, uid domain.UserID) (core.SessionID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		if e.Room == code && e.Session.Meta().User.ID == uid {
			return sid, e.Session, true
		}
	}
	return "", nil, false
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
