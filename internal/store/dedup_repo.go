package store

import (
	"context"
	"time"
)

// DedupRecord tracks one gateway message id. The SMS gateway retries
// webhooks it considers failed, so the same MessageSid can arrive twice.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	PhoneNumber string     `json:"phone_number"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// InboundReclaimAfter is how long an unprocessed message id stays claimed.
// A redelivery after that is treated as fresh so a crash between receipt and
// reply does not swallow the message.
const InboundReclaimAfter = 2 * time.Minute

// DedupRepo records inbound gateway message ids.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound stores messageID and returns false if it was already
	// there. A record older than InboundReclaimAfter that was never marked
	// processed is reclaimed and reported as fresh.
	RecordInbound(ctx context.Context, messageID, phoneNumber string) (bool, error)

	// MarkProcessed stamps the time a reply was produced for messageID.
	MarkProcessed(ctx context.Context, messageID string) error
}
