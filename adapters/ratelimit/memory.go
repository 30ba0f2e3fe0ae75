package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/notary/ports"
)

// window is the request count for one key in its current window
type window struct {
	start time.Time
	count int
}

// MemoryLimiter is a fixed-window limiter held in process memory. A
// background goroutine evicts windows that have ended.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

var _ ports.RateLimiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter admits limit requests per key in each period
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow counts a request against key and reports whether it fits the window
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-l.done:
			return
		}
	}
}

// evict drops every window that has ended
func (l *MemoryLimiter) evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Close stops the eviction goroutine. It is safe to call multiple times.
func (l *MemoryLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
