// Package scheduler runs PawPipe's periodic upkeep on cron expressions:
// sweeping expired rate-limit buckets and closing idle conversations.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic unit of work. It receives the scheduler's context.
type Task func(ctx context.Context) error

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates a scheduler whose tasks see ctx. Call Start to begin.
func NewScheduler(ctx context.Context) *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow); panics in a task are recovered.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c, ctx: ctx}
}

// AddTask schedules task under name. It returns an error if expr is invalid.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler: task failed", "task", name, "error", err)
			return
		}
		slog.Debug("Scheduler: task completed", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	slog.Debug("Scheduler.AddTask: scheduled", "task", name, "expr", expr)
	return nil
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
