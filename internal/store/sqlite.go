// Package store provides storage backends for PawPipe.
//
// This file implements an SQLite-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps conversations and the durable reply queues in one database.
type SQLiteStore struct {
	sqlDurable
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{sqlDurable{db: db, dialect: dialectSQLite}}, nil
}

func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, phone, customerID string) (models.Conversation, error) {
	if phone == "" {
		return models.Conversation{}, models.ErrEmptyPhoneNumber
	}
	now := time.Now().UTC()
	id := util.NewID(util.ConversationIDPrefix)

	// The partial unique index turns a concurrent second insert into a no-op.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, channel, phone_number, customer_id, status, last_activity_at, created_at)
		 VALUES (?, ?, ?, ?, 'active', ?, ?)`,
		id, models.ChannelSMS, phone, nilIfEmpty(customerID), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.FindOrCreateConversation: insert failed", "error", err)
		return models.Conversation{}, fmt.Errorf("insert conversation failed: %w", err)
	}

	if customerID != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET customer_id = ?
			 WHERE phone_number = ? AND channel = ? AND status = 'active' AND customer_id IS NULL`,
			customerID, phone, models.ChannelSMS,
		); err != nil {
			return models.Conversation{}, fmt.Errorf("link customer failed: %w", err)
		}
	}

	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone_number = ? AND channel = ? AND status = 'active'`,
		phone, models.ChannelSMS,
	))
	if err != nil {
		slog.Error("SQLiteStore.FindOrCreateConversation: select failed", "error", err)
		return models.Conversation{}, fmt.Errorf("select active conversation failed: %w", err)
	}
	slog.Debug("SQLiteStore.FindOrCreateConversation", "conversationID", conv.ID, "created", conv.ID == id)
	return conv, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg models.Message) (string, error) {
	if err := prepareMessage(&msg); err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Channel,
		nilIfEmpty(msg.Model), nullableJSON(msg.ToolAudit), nilIfEmpty(msg.GatewayMessageID), msg.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendMessage: insert failed", "error", err, "conversationID", msg.ConversationID)
		return "", fmt.Errorf("insert message failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append failed: %w", err)
	}
	slog.Debug("SQLiteStore.AppendMessage", "id", msg.ID, "conversationID", msg.ConversationID, "role", msg.Role)
	return msg.ID, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT seq, `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		conversationID, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) RecentMessagesByPhone(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT m.seq, m.id, m.conversation_id, m.role, m.content, m.channel, m.model, m.tool_audit, m.gateway_message_id, m.created_at
		   FROM messages m JOIN conversations c ON c.id = m.conversation_id
		   WHERE c.phone_number = ? AND c.channel = ? AND c.status = 'active'
		   ORDER BY m.seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		phone, models.ChannelSMS, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages by phone failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation failed: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = 'closed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("close conversation failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	slog.Debug("SQLiteStore.CloseConversation", "conversationID", id)
	return nil
}

func (s *SQLiteStore) CloseIdleConversations(ctx context.Context, idleSince time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed' WHERE status = 'active' AND last_activity_at < ?`,
		idleSince.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("close idle conversations failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
