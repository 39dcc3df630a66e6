package stream

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MetricsRateLimiter enforces a minimum interval between metrics frames per
// UPS on one connection.
type MetricsRateLimiter struct {
	interval time.Duration
	lastSent *xsync.Map[string, time.Time]
	now      func() time.Time
}

// NewMetricsRateLimiter creates a limiter with the given per-UPS interval.
func NewMetricsRateLimiter(interval time.Duration) *MetricsRateLimiter {
	return &MetricsRateLimiter{
		interval: interval,
		lastSent: xsync.NewMap[string, time.Time](),
		now:      time.Now,
	}
}

// Allow reports whether a metrics frame for upsID may be emitted now, and
// records the emission when it may. Check-and-update is atomic per key.
func (l *MetricsRateLimiter) Allow(upsID string) bool {
	allowed := false
	l.lastSent.Compute(upsID, func(last time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		now := l.now()
		if loaded && now.Sub(last) < l.interval {
			return last, xsync.CancelOp
		}
		allowed = true
		return now, xsync.UpdateOp
	})
	return allowed
}

// GlobalMetricsLimiter caps metrics frames process-wide over a rolling
// one-second window.
type GlobalMetricsLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
	now    func() time.Time
}

// NewGlobalMetricsLimiter creates a limiter allowing limit frames per
// rolling second.
func NewGlobalMetricsLimiter(limit int) *GlobalMetricsLimiter {
	return &GlobalMetricsLimiter{
		limit:  limit,
		window: time.Second,
		now:    time.Now,
	}
}

// Allow reports whether another frame fits in the current window and records
// it when it does.
func (l *GlobalMetricsLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	keep := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.sent = keep

	if len(l.sent) >= l.limit {
		return false
	}
	l.sent = append(l.sent, now)
	return true
}
