package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is one fixed counting window for a (rule, key) pair.
type window struct {
	count      int
	resetAt    time.Time
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory fixed window per
// (rule prefix, key). A background goroutine evicts stale entries every
// minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates the in-memory limiter. Call Close to stop its
// eviction goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one request against the rule's window for key.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := rule.Prefix + ":" + key

	w, ok := m.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[id] = w
	}
	w.lastAccess = now

	if w.count >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
