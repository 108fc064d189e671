package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

type rateShard struct {
	mu      sync.Mutex
	windows map[domain.UserID]*rateWindow
}

// RateLimiter is a per-user fixed window counter: at most limit admissions
// per window, the window restarting once it has expired.
type RateLimiter struct {
	shards   [shardCount]*rateShard
	limit    int
	interval time.Duration
	grace    time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRateLimiter(limit int, interval, grace time.Duration, m *metrics.Metrics) *RateLimiter {
	rl := &RateLimiter{
		limit:    limit,
		interval: interval,
		grace:    grace,
		metrics:  m,
		now:      time.Now,
	}
	for i := range rl.shards {
		rl.shards[i] = &rateShard{windows: make(map[domain.UserID]*rateWindow)}
	}
	return rl
}

// Admit counts one message for uid. A rejected call does not count.
func (rl *RateLimiter) Admit(uid domain.UserID) bool {
	s := rl.shards[shardOf(string(uid))]
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.now()
	w, ok := s.windows[uid]
	if !ok {
		w = &rateWindow{}
		s.windows[uid] = w
	}
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(rl.interval)
	}
	if w.count >= rl.limit {
		rl.metrics.RateLimited.Inc()
		return false
	}
	w.count++
	return true
}

// Sweep drops windows that expired more than grace ago and returns how many
// are left.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.grace)
	left := 0
	for _, s := range rl.shards {
		s.mu.Lock()
		for uid, w := range s.windows {
			if w.resetAt.Before(cutoff) {
				delete(s.windows, uid)
			}
		}
		left += len(s.windows)
		s.mu.Unlock()
	}
	rl.metrics.RateLimitWindows.Set(float64(left))
	return left
}

// Run sweeps every period until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("rate limiter: sweep period must be positive, got %s", period)
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			left := rl.Sweep()
			log.Debug().Str("module", "app.ratelimit").Int("windows", left).Msg("swept rate limit windows")
		}
	}
}
