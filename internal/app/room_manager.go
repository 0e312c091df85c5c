package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomCode]core.RoomService
	// newCode is swapped in tests.
	newCode func() domain.RoomCode
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomCode]core.RoomService), newCode: domain.NewRoomCode}
}

// Create opens a room under a fresh code hosted by host.
func (f *RoomManagerImpl) Create(host domain.UserID) core.RoomService {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := f.newCode()
	for {
		if _, taken := f.rooms[code]; !taken {
			break
		}
		code = f.newCode()
	}
	room := core.NewRoomService(&domain.Room{Code: code, HostID: host, CreatedAt: time.Now().UTC()})
	f.rooms[code] = room
	log.Info().Str("module", "app.rooms").Str("room", string(code)).Str("host", string(host)).Msg("room created")
	return room
}

func (f *RoomManagerImpl) Get(code domain.RoomCode) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[code]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for code, r := range f.rooms {
		out = append(out, core.RoomInfo{Code: code, Host: r.Room().HostID, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (f *RoomManagerImpl) StopRoom(code domain.RoomCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, code)
	log.Info().Str("module", "app.rooms").Str("room", string(code)).Msg("room stopped")
}
