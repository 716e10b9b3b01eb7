// Package store provides storage backends for PawPipe.
//
// It persists conversations and their append-only message logs, and holds the
// durable layer used by asynchronous replies: inbound dedup, jobs and an outbox.
// Backends are in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/PawPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports whether dsn points at PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// ConversationStore persists conversations and messages.
type ConversationStore interface {
	// FindOrCreateConversation returns the active conversation for phone on the
	// SMS channel, creating it if needed. A non-empty customerID is linked onto an
	// active conversation that has none. Safe under concurrent calls.
	FindOrCreateConversation(ctx context.Context, phone, customerID string) (models.Conversation, error)

	// AppendMessage stores msg, bumps the conversation's last activity and
	// returns the assigned message id.
	AppendMessage(ctx context.Context, msg models.Message) (string, error)

	// RecentMessages returns up to limit messages of a conversation, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// RecentMessagesByPhone returns up to limit messages of the active
	// conversation for phone, oldest first. No conversation yields no messages.
	RecentMessagesByPhone(ctx context.Context, phone string, limit int) ([]models.Message, error)

	GetConversation(ctx context.Context, id string) (models.Conversation, error)

	// CloseConversation marks a conversation closed; the next inbound message
	// from the same number starts a new one.
	CloseConversation(ctx context.Context, id string) error

	// CloseIdleConversations closes active conversations whose last activity is
	// before idleSince and returns how many it closed.
	CloseIdleConversations(ctx context.Context, idleSince time.Time) (int, error)

	Close() error
}

// Store is a durable backend that also carries the async reply machinery.
type Store interface {
	ConversationStore
	DedupRepo
	JobRepo
	OutboxRepo
}

// Open connects to the backend selected by dsn.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
