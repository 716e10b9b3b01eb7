package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages and delivers them with retries.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	pollInterval time.Duration
	opts         WorkerOpts
}

// NewOutboxSender creates an OutboxSender. Failed sends back off 10s, 20s,
// 40s, ... up to 10 minutes unless WithBackoff says otherwise.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...WorkerOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:         repo,
		send:         send,
		pollInterval: pollInterval,
		opts:         newWorkerOpts(Backoff{Base: 10 * time.Second, Max: 10 * time.Minute}, opts),
	}
}

// RecoverStaleMessages requeues messages left in sending by a crashed process.
// Call once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	pollLoop(ctx, "OutboxSender.Run", s.pollInterval, s.PollOnce)
}

// PollOnce claims and sends the currently due messages and returns how many it handled.
func (s *OutboxSender) PollOnce(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.PollOnce: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		slog.Debug("OutboxSender.PollOnce: sending message", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts)
		if err := s.send(ctx, msg); err != nil {
			next := now.Add(s.opts.Backoff.Delay(msg.Attempts))
			slog.Error("OutboxSender.PollOnce: send failed", "id", msg.ID, "nextAttemptAt", next, "error", err)
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender.PollOnce: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.PollOnce: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.PollOnce: message sent", "id", msg.ID)
	}
	return len(msgs)
}
