// Package store provides storage backends for PawPipe.
//
// This file implements a PostgreSQL-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps conversations and the durable reply queues in one database.
type PostgresStore struct {
	sqlDurable
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlDurable{db: db, dialect: dialectPostgres}}, nil
}

func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, phone, customerID string) (models.Conversation, error) {
	if phone == "" {
		return models.Conversation{}, models.ErrEmptyPhoneNumber
	}
	now := time.Now().UTC()
	id := util.NewID(util.ConversationIDPrefix)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, channel, phone_number, customer_id, status, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, 'active', $5, $5)
		 ON CONFLICT (phone_number, channel) WHERE status = 'active' DO NOTHING`,
		id, models.ChannelSMS, phone, nilIfEmpty(customerID), now,
	)
	if err != nil {
		slog.Error("PostgresStore.FindOrCreateConversation: insert failed", "error", err)
		return models.Conversation{}, fmt.Errorf("insert conversation failed: %w", err)
	}

	if customerID != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET customer_id = $1
			 WHERE phone_number = $2 AND channel = $3 AND status = 'active' AND customer_id IS NULL`,
			customerID, phone, models.ChannelSMS,
		); err != nil {
			return models.Conversation{}, fmt.Errorf("link customer failed: %w", err)
		}
	}

	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone_number = $1 AND channel = $2 AND status = 'active'`,
		phone, models.ChannelSMS,
	))
	if err != nil {
		slog.Error("PostgresStore.FindOrCreateConversation: select failed", "error", err)
		return models.Conversation{}, fmt.Errorf("select active conversation failed: %w", err)
	}
	slog.Debug("PostgresStore.FindOrCreateConversation", "conversationID", conv.ID, "created", conv.ID == id)
	return conv, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg models.Message) (string, error) {
	if err := prepareMessage(&msg); err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ConversationID,
	)
	if err != nil {
		return "", fmt.Errorf("touch conversation failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrConversationNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, channel, model, tool_audit, gateway_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Channel,
		nilIfEmpty(msg.Model), nullableJSON(msg.ToolAudit), nilIfEmpty(msg.GatewayMessageID), msg.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.AppendMessage: insert failed", "error", err, "conversationID", msg.ConversationID)
		return "", fmt.Errorf("insert message failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append failed: %w", err)
	}
	slog.Debug("PostgresStore.AppendMessage", "id", msg.ID, "conversationID", msg.ConversationID, "role", msg.Role)
	return msg.ID, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT seq, `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`,
		conversationID, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) RecentMessagesByPhone(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT m.seq, m.id, m.conversation_id, m.role, m.content, m.channel, m.model, m.tool_audit, m.gateway_message_id, m.created_at
		   FROM messages m JOIN conversations c ON c.id = m.conversation_id
		   WHERE c.phone_number = $1 AND c.channel = $2 AND c.status = 'active'
		   ORDER BY m.seq DESC LIMIT $3
		 ) recent ORDER BY seq ASC`,
		phone, models.ChannelSMS, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages by phone failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation failed: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) CloseConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = 'closed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("close conversation failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	slog.Debug("PostgresStore.CloseConversation", "conversationID", id)
	return nil
}

func (s *PostgresStore) CloseIdleConversations(ctx context.Context, idleSince time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed' WHERE status = 'active' AND last_activity_at < $1`,
		idleSince.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("close idle conversations failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// pgLimit maps a non-positive limit to LIMIT NULL, which Postgres treats as no limit.
func pgLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
