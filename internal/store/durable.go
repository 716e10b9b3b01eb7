package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PawPipe/internal/util"
)

// sqlDurable implements the dedup, job and outbox repositories on top of a
// database/sql handle. SQLiteStore and PostgresStore embed it.
type sqlDurable struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ DedupRepo  = sqlDurable{}
	_ JobRepo    = sqlDurable{}
	_ OutboxRepo = sqlDurable{}
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// defaultMaxAttempts is how many times a job runs before it is marked failed.
const defaultMaxAttempts = 3

func (d sqlDurable) exec(ctx context.Context, q execer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, d.dialect.bind(query), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Dedup

func (d sqlDurable) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := d.db.QueryRowContext(ctx, d.dialect.bind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (d sqlDurable) RecordInbound(ctx context.Context, messageID, phoneNumber string) (bool, error) {
	n, err := d.exec(ctx, d.db,
		`INSERT INTO inbound_dedup (message_id, phone_number, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, phoneNumber, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	now := time.Now().UTC()
	n, err = d.exec(ctx, d.db,
		`UPDATE inbound_dedup SET received_at = ?
		 WHERE message_id = ? AND processed_at IS NULL AND received_at < ?`,
		now, messageID, now.Add(-InboundReclaimAfter),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim inbound failed: %w", err)
	}
	if n > 0 {
		slog.Warn(d.dialect.String()+".RecordInbound: reclaimed unprocessed message", "messageID", messageID)
	}
	return n > 0, nil
}

func (d sqlDurable) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := d.exec(ctx, d.db,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Jobs

func (d sqlDurable) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue job failed: %w", err)
	}
	defer tx.Rollback()

	if dedupeKey != "" {
		existing, err := d.liveByDedupeKey(ctx, tx,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("job dedupe check failed: %w", err)
		}
		if existing != "" {
			slog.Debug(d.dialect.String()+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		}
	}

	id := util.NewID(util.JobIDPrefix)
	now := time.Now().UTC()
	if _, err := d.exec(ctx, tx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, defaultMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue job failed: %w", err)
	}
	slog.Debug(d.dialect.String()+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (d sqlDurable) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	var jobs []Job
	err := d.claim(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
		now, limit,
		func(row rowScanner) (string, error) {
			j, err := scanJob(row)
			if err != nil {
				return "", err
			}
			j.Status = JobStatusRunning
			j.LockedAt = &now
			jobs = append(jobs, j)
			return j.ID, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	return jobs, nil
}

func (d sqlDurable) CompleteJob(ctx context.Context, id string) error {
	if _, err := d.exec(ctx, d.db,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (d sqlDurable) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	// Right-hand sides see the pre-update attempt value.
	n, err := d.exec(ctx, d.db,
		`UPDATE jobs SET
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
		   attempt = attempt + 1,
		   last_error = ?,
		   locked_at = NULL,
		   updated_at = ?
		 WHERE id = ?`,
		nextRunAt.UTC(), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fail job: %s not found", id)
	}
	return nil
}

func (d sqlDurable) CancelJob(ctx context.Context, id string) error {
	if _, err := d.exec(ctx, d.db,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (d sqlDurable) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	n, err := d.exec(ctx, d.db,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	if n > 0 {
		slog.Info(d.dialect.String()+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (d sqlDurable) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(d.db.QueryRowContext(ctx, d.dialect.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// Outbox

func (d sqlDurable) EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue outbox failed: %w", err)
	}
	defer tx.Rollback()

	if dedupeKey != "" {
		existing, err := d.liveByDedupeKey(ctx, tx,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status IN ('queued', 'sending')`, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
		if existing != "" {
			slog.Debug(d.dialect.String()+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		}
	}

	id := util.NewID(util.OutboxIDPrefix)
	now := time.Now().UTC()
	if _, err := d.exec(ctx, tx,
		`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue outbox failed: %w", err)
	}
	slog.Debug(d.dialect.String()+".EnqueueOutboxMessage", "id", id, "recipient", util.MaskPhoneNumber(recipient), "kind", kind)
	return id, nil
}

func (d sqlDurable) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	var msgs []OutboxMessage
	err := d.claim(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
		now, limit,
		func(row rowScanner) (string, error) {
			m, err := scanOutboxMessage(row)
			if err != nil {
				return "", err
			}
			m.Status = OutboxStatusSending
			m.LockedAt = &now
			msgs = append(msgs, m)
			return m.ID, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	return msgs, nil
}

func (d sqlDurable) MarkOutboxMessageSent(ctx context.Context, id string) error {
	if _, err := d.exec(ctx, d.db,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (d sqlDurable) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := d.exec(ctx, d.db,
		`UPDATE outbox_messages
		 SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (d sqlDurable) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	n, err := d.exec(ctx, d.db,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	if n > 0 {
		slog.Info(d.dialect.String()+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

// liveByDedupeKey returns the id of a non-terminal row matching query, or "".
func (d sqlDurable) liveByDedupeKey(ctx context.Context, tx *sql.Tx, query, key string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, d.dialect.bind(query+` LIMIT 1`), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// claim selects due rows and marks each one in a single transaction. The
// mark statement takes (now, now, id).
func (d sqlDurable) claim(ctx context.Context, selectQuery, markQuery string, now time.Time, limit int, collect func(rowScanner) (string, error)) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, d.dialect.bind(selectQuery+d.dialect.claimLock()), now, limit)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		id, err := collect(rows)
		if err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := d.exec(ctx, tx, markQuery, now, now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
