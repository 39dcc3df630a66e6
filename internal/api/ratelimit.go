package api

import (
	"sync"
	"time"
)

// Default /v1 rate-limit budget.
const (
	RateLimitRequests = 60
	RateLimitWindow   = 60 * time.Second
)

type rateWindow struct {
	start time.Time
	count int
}

// IPRateLimiter is an in-memory fixed-window counter per remote IP.
type IPRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*rateWindow
	now     func() time.Time
}

// NewIPRateLimiter creates a limiter allowing limit requests per window.
func NewIPRateLimiter(limit int, window time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow reports whether ip has budget left in its current window and
// consumes one request when it does.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	win, ok := l.clients[ip]
	if !ok || now.Sub(win.start) >= l.window {
		l.clients[ip] = &rateWindow{start: now, count: 1}
		l.pruneLocked(now)
		return true
	}
	if win.count >= l.limit {
		return false
	}
	win.count++
	return true
}

// pruneLocked drops windows that expired, keeping the map bounded by the
// set of recently active clients.
func (l *IPRateLimiter) pruneLocked(now time.Time) {
	for ip, win := range l.clients {
		if now.Sub(win.start) >= l.window {
			delete(l.clients, ip)
		}
	}
}
