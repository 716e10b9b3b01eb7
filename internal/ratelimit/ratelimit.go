// Package ratelimit provides per-phone-number abuse throttling for inbound messages.
//
// Buckets use a fixed window: the first message opens a window of length W and
// up to C messages are admitted inside it. The in-memory limiter is process-local;
// the DynamoDB limiter shares buckets across instances.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default limits applied when none are configured.
const (
	DefaultMaxMessages = 20
	DefaultWindow      = 60 * time.Minute
)

// Limiter admits or rejects an inbound message from a phone number.
type Limiter interface {
	Admit(ctx context.Context, phone string) bool
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter holds buckets in a mutex-guarded map.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
	clock   Clock
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a limiter admitting max messages per window.
// Non-positive values fall back to the defaults; a nil clock uses wall time.
func NewMemoryLimiter(max int, window time.Duration, clock Clock) *MemoryLimiter {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
		clock:   clock,
	}
}

// Admit records one message for phone and reports whether it is within the limit.
func (l *MemoryLimiter) Admit(_ context.Context, phone string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[phone]
	if !ok || !now.Before(b.resetAt) {
		l.buckets[phone] = &bucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count < l.max {
		b.count++
		return true
	}
	slog.Warn("MemoryLimiter.Admit: rate limit exceeded", "count", b.count, "reset_at", b.resetAt)
	return false
}

// Sweep drops buckets whose window has elapsed and returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for phone, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, phone)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
