// Package ratelimit provides a pluggable rate limiting interface.
//
// The in-memory fixed-window limiter (MemoryLimiter) covers single-instance
// deployments. Multi-instance deployments can substitute a Redis-backed
// implementation — the Limiter interface is the contract.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule describes one rate limit: at most Limit requests per Window, counted
// per key under the rule's Prefix so different endpoint groups don't share
// budgets.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key should be allowed
// under a rule. Implementations must be safe for concurrent use and should
// fail open: a limiter malfunction must not block traffic.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) Result

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) Result {
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   time.Now().Add(rule.Window),
	}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
