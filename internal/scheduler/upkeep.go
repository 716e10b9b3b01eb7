package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Default upkeep schedules.
const (
	DefaultSweepSchedule     = "*/10 * * * *"
	DefaultIdleCloseSchedule = "*/15 * * * *"
)

// Sweeper drops expired rate-limit buckets.
type Sweeper interface {
	Sweep() int
}

// IdleCloser closes conversations without recent activity.
type IdleCloser interface {
	CloseIdleConversations(ctx context.Context, idleSince time.Time) (int, error)
}

// SweepTask returns a task that sweeps the rate limiter.
func SweepTask(s Sweeper) Task {
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			slog.Debug("Scheduler.SweepTask: swept expired buckets", "removed", n)
		}
		return nil
	}
}

// IdleCloseTask returns a task that closes conversations idle for longer than
// idleAfter, so the next text from that number starts a fresh conversation.
func IdleCloseTask(c IdleCloser, idleAfter time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := c.CloseIdleConversations(ctx, now().Add(-idleAfter))
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("Scheduler.IdleCloseTask: closed idle conversations", "count", n, "idleAfter", idleAfter)
		}
		return nil
	}
}
