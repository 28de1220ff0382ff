package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter allows limit messages per interval. Exceeding
// the limit drops messages until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if limit <= 0 {
		limit = 600
	}
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
// At each interval boundary it resets the counter and logs a warning
// if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and reports whether the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
