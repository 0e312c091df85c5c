package signal

import (
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/domain"
)

// RoomRateLimiter allows each user at most limit actions per sliding interval.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops uid's history once it has left.
func (rl *RoomRateLimiter) Forget(uid domain.UserID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, uid)
	rl.mu.Unlock()
}
