package store

import (
	"context"
	"log/slog"
	"time"
)

// Backoff computes retry delays: Base doubled per prior attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt+1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := b.Base << attempt
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// WorkerOpts configures a JobRunner or OutboxSender.
type WorkerOpts struct {
	ClaimLimit     int
	StaleThreshold time.Duration
	Backoff        Backoff
}

// WorkerOption mutates WorkerOpts.
type WorkerOption func(*WorkerOpts)

// WithClaimLimit sets how many rows one poll claims.
func WithClaimLimit(n int) WorkerOption {
	return func(o *WorkerOpts) {
		if n > 0 {
			o.ClaimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a claimed row may stay locked before
// startup recovery requeues it.
func WithStaleThreshold(d time.Duration) WorkerOption {
	return func(o *WorkerOpts) {
		o.StaleThreshold = d
	}
}

// WithBackoff sets the retry schedule.
func WithBackoff(b Backoff) WorkerOption {
	return func(o *WorkerOpts) {
		o.Backoff = b
	}
}

func newWorkerOpts(def Backoff, opts []WorkerOption) WorkerOpts {
	cfg := WorkerOpts{ClaimLimit: 10, StaleThreshold: 5 * time.Minute, Backoff: def}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// pollLoop calls poll every interval until ctx is done.
func pollLoop(ctx context.Context, name string, interval time.Duration, poll func(context.Context) int) {
	slog.Info(name+": starting", "pollInterval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info(name + ": stopping")
			return
		case <-ticker.C:
			poll(ctx)
		}
	}
}
