package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps outbound events per interval. Counters are atomic
// so the publish path never takes a lock.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// run resets the window every interval until ctx is cancelled and
// reports drops from the window that just closed.
func (r *rateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *rateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt events dropped by rate limit",
			"events", count,
			"dropped", dropped,
			"interval", r.interval,
			"limit", r.limit,
		)
	}
}

// allow counts one event and reports whether it fits in the window.
func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
