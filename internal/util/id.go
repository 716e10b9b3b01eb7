package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string with the given prefix, e.g. "conv_3f1c…".
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// Prefixes for persisted record IDs.
const (
	ConversationIDPrefix = "conv_"
	MessageIDPrefix      = "msg_"
	JobIDPrefix          = "job_"
	OutboxIDPrefix       = "outbox_"
)
