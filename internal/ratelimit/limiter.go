// Package ratelimit implements fixed-window request limiting with a
// pluggable store.
//
// Time is partitioned into non-overlapping windows; the counter key is the
// caller identity plus the window index. A fixed window admits bursts of up
// to twice the limit across a window boundary. That coarseness is the
// documented behavior: the limiter deters abuse, it is not billing-grade
// fairness.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a single limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key. Increment creates the entry on first use
// with expiry one window ahead and returns the post-increment count.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	Sweep(ctx context.Context, now time.Time)
}

// Limiter checks per-identity request quotas against a Store.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	logger *zap.Logger
}

// New creates a limiter. logger may be nil.
func New(store Store, maxRequests int, window time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, max: maxRequests, window: window, logger: logger}
}

// Check records one request for identity and reports whether it is within
// quota. Check never fails: a store error is logged and the request is
// allowed, trading strictness for availability.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	now := time.Now()
	windowIndex := now.UnixMilli() / l.window.Milliseconds()
	key := fmt.Sprintf("%s:%d", identity, windowIndex)

	count, resetAt, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("identity", identity), zap.Error(err))
		return Result{Allowed: true, Limit: l.max, Remaining: l.max - 1, ResetAt: now.Add(l.window)}
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.max),
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// StartSweeper evicts expired entries every interval until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.store.Sweep(ctx, now)
			}
		}
	}()
}
