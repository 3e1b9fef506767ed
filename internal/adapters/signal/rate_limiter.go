package signal

import (
	"sync"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/jonboulle/clockwork"
)

// RoomRateLimiter bounds join attempts per identity within a sliding
// window. A limit of zero or less disables it. Identities with no attempt
// inside the window are forgotten, at most one sweep per interval.
type RoomRateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[domain.Identity][]time.Time
	swept    time.Time
	limit    int
	interval time.Duration
}

func NewRoomRateLimiter(limit int, interval time.Duration, clock clockwork.Clock) *RoomRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoomRateLimiter{
		clock:    clock,
		history:  make(map[domain.Identity][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RoomRateLimiter) Allow(id domain.Identity) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)
	if now.Sub(rl.swept) >= rl.interval {
		rl.sweep(windowStart)
		rl.swept = now
	}

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *RoomRateLimiter) sweep(windowStart time.Time) {
	for id, attempts := range rl.history {
		if n := len(attempts); n == 0 || !attempts[n-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}
