// Package presence keeps the set of users currently joined to a room.
package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

// Store is not safe for concurrent use; it belongs to the room session loop.
type Store struct {
	dir     core.RoomDirectory
	members map[domain.UserID]domain.User
	host    domain.UserID
	version uint64
	loaded  bool
}

func NewStore(dir core.RoomDirectory) *Store {
	return &Store{dir: dir, members: make(map[domain.UserID]domain.User)}
}

// Snapshot fetches the membership of code once and replaces the local set.
func (s *Store) Snapshot(ctx context.Context, code domain.RoomCode) (domain.MembersSnapshot, error) {
	snap, err := s.dir.Members(ctx, code)
	if err != nil {
		return domain.MembersSnapshot{}, fmt.Errorf("fetch members of %s: %w", code, err)
	}
	if err := s.Apply(snap); err != nil {
		return domain.MembersSnapshot{}, err
	}
	return snap, nil
}

// Apply replaces the set with snap unless snap is older than what was applied last.
func (s *Store) Apply(snap domain.MembersSnapshot) error {
	if s.loaded && snap.Version < s.version {
		log.Debug().Str("module", "presence").Uint64("version", snap.Version).Uint64("have", s.version).Msg("stale members snapshot")
		return domain.ErrStaleSnapshot
	}
	s.members = make(map[domain.UserID]domain.User, len(snap.Members))
	for _, u := range snap.Members {
		s.members[u.ID] = u
	}
	s.host = snap.Host
	s.version = snap.Version
	s.loaded = true
	return nil
}

func (s *Store) OnMemberJoined(u domain.User) {
	s.members[u.ID] = u
}

func (s *Store) OnMemberLeft(id domain.UserID) {
	delete(s.members, id)
}

// Members is ordered by username, then ID.
func (s *Store) Members() []domain.User {
	out := make([]domain.User, 0, len(s.members))
	for _, u := range s.members {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Host() domain.UserID { return s.host }

func (s *Store) Contains(id domain.UserID) bool {
	_, ok := s.members[id]
	return ok
}

func (s *Store) Count() int { return len(s.members) }

func (s *Store) Clear() {
	s.members = make(map[domain.UserID]domain.User)
	s.host = ""
	s.version = 0
	s.loaded = false
}
