// Package outbox implements the reliable event outbox: domain events
// are appended to a durable table in the same transaction as the
// business change, then claimed and published asynchronously by a
// polling worker. Delivery is at-least-once; consumers must be
// idempotent on event id.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"stockcore/internal/core/id"
)

// Status of an outbox event. Status only moves forward: no regression
// from published or failed back to pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Event is a transactional record of a domain event awaiting publication.
type Event struct {
	ID           id.ID           `db:"id"`
	TenantID     id.ID           `db:"tenant_id"`
	EventType    string          `db:"event_type"`
	Payload      json.RawMessage `db:"payload"`
	Status       Status          `db:"status"`
	RetryCount   int             `db:"retry_count"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	ClaimedAt    *time.Time      `db:"claimed_at"`
	PublishedAt  *time.Time      `db:"published_at"`
}

// Well-known event types emitted by the core.
const (
	EventDocumentPosted    = "document.posted"
	EventDocumentCancelled = "document.cancelled"
	EventStockAdjusted     = "inventory.stock_adjusted"
)

// Publisher appends an event inside the caller's transaction. This is
// the write half of the outbox pattern: the event row commits or rolls
// back together with the business change.
type Publisher interface {
	Publish(ctx context.Context, tenantID id.ID, eventType string, payload any) error
}

// Store is the worker-side persistence contract.
type Store interface {
	// Claim atomically selects up to batchSize publishable rows
	// oldest-first and flips them to in_progress in a single statement,
	// so no two worker passes observe the same row as pending. Rows
	// stuck in_progress longer than staleAfter are re-claimed.
	Claim(ctx context.Context, batchSize int, staleAfter time.Duration) ([]Event, error)

	// MarkPublished transitions a claimed event to its terminal
	// published state.
	MarkPublished(ctx context.Context, eventID id.ID) error

	// RecordFailure increments retry_count and stores the error
	// message; terminal parks the event as failed for operator
	// intervention, otherwise it stays in_progress until re-claimed.
	RecordFailure(ctx context.Context, eventID id.ID, terminal bool, message string) error
}

// Bus is the publish-by-subject message transport.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}
