package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, time.Second)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("u1"))
	clock = clock.Add(400 * time.Millisecond)
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))

	// the first attempt falls out of the window
	clock = clock.Add(700 * time.Millisecond)
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRoomRateLimiter(1, time.Minute)
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRoomRateLimiter(1, time.Minute)
	assert.True(t, rl.Allow("u1"))
	rl.Forget("u1")
	assert.True(t, rl.Allow("u1"))
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RoomRateLimiter
	assert.True(t, nilLimiter.Allow("u1"))
	nilLimiter.Forget("u1")

	rl := NewRoomRateLimiter(0, time.Second)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("u1"))
	}
}
