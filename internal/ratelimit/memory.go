package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed-window limiter. It never fails.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow increments the identifier's counter for rule, starting a new window
// when the previous one has elapsed.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= rule.Limit, nil
}

// Remaining returns how many requests the identifier has left in the current
// window.
func (l *MemoryLimiter) Remaining(_ context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		return rule.Limit, nil
	}
	if remaining := rule.Limit - w.count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Prune drops windows that have elapsed and returns how many were removed.
func (l *MemoryLimiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// StartPruner calls Prune every interval until ctx is cancelled.
func (l *MemoryLimiter) StartPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
