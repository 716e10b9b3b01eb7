package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. A returned error schedules a retry until the
// job runs out of attempts.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs and dispatches them to handlers by kind.
type JobRunner struct {
	repo         JobRepo
	pollInterval time.Duration
	opts         WorkerOpts

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewJobRunner creates a JobRunner. Failed jobs back off 30s, 60s, 120s, ...
// up to 30 minutes unless WithBackoff says otherwise.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...WorkerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:         repo,
		pollInterval: pollInterval,
		opts:         newWorkerOpts(Backoff{Base: 30 * time.Second, Max: 30 * time.Minute}, opts),
		handlers:     make(map[string]JobHandler),
	}
}

// RegisterHandler sets the handler for kind, replacing any previous one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs left running by a crashed process. Call once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	pollLoop(ctx, "JobRunner.Run", r.pollInterval, r.PollOnce)
}

// PollOnce claims and runs the currently due jobs and returns how many it handled.
func (r *JobRunner) PollOnce(ctx context.Context) int {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.PollOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.runJob(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) runJob(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.runJob: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.runJob: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.runJob: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		next := now.Add(r.opts.Backoff.Delay(job.Attempt))
		slog.Error("JobRunner.runJob: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "nextRunAt", next, "error", err)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), next); err != nil {
			slog.Error("JobRunner.runJob: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.runJob: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.runJob: job completed", "id", job.ID, "kind", job.Kind)
}
