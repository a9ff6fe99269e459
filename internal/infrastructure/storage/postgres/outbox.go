package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockcore/internal/core/id"
	"stockcore/internal/domain/outbox"
)

// OutboxPublisher writes events to the outbox table inside the current
// transaction, so the event commits or rolls back with the business
// change.
type OutboxPublisher struct {
	txManager *TxManager
}

var _ outbox.Publisher = (*OutboxPublisher)(nil)

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// Publish appends a pending event. MUST be called inside a transaction
// context.
func (p *OutboxPublisher) Publish(ctx context.Context, tenantID id.ID, eventType string, payload any) error {
	tx := p.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (id, tenant_id, event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id.New(), tenantID, eventType, payloadBytes, outbox.StatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// OutboxStore is the worker-side store. It runs on the raw pool rather
// than the TxManager: each claim is a single autonomous statement.
type OutboxStore struct {
	pool *pgxpool.Pool
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore creates a new outbox store.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Claim flips up to batchSize publishable rows to in_progress in one
// atomic statement, so no two worker passes observe the same row as
// pending. Rows stuck in_progress longer than staleAfter (claimed by a
// worker that crashed before publishing) are re-claimed.
func (s *OutboxStore) Claim(ctx context.Context, batchSize int, staleAfter time.Duration) ([]outbox.Event, error) {
	var events []outbox.Event
	err := pgxscan.Select(ctx, s.pool, &events, `
		UPDATE outbox_events
		SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = $2
			   OR (status = $1 AND claimed_at < NOW() - $3 * INTERVAL '1 second')
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, event_type, payload, status, retry_count,
		          error_message, created_at, claimed_at, published_at
	`, outbox.StatusInProgress, outbox.StatusPending, staleAfter.Seconds(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	return events, nil
}

// MarkPublished transitions a claimed event to its terminal published state.
func (s *OutboxStore) MarkPublished(ctx context.Context, eventID id.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, published_at = $2
		WHERE id = $3 AND status = $4
	`, outbox.StatusPublished, time.Now().UTC(), eventID, outbox.StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// RecordFailure increments retry_count and stores the error message.
// Terminal failures are parked as failed for operator intervention;
// otherwise the row stays in_progress until the staleness threshold
// re-claims it.
func (s *OutboxStore) RecordFailure(ctx context.Context, eventID id.ID, terminal bool, message string) error {
	status := outbox.StatusInProgress
	if terminal {
		status = outbox.StatusFailed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    error_message = $1,
		    status = $2
		WHERE id = $3
	`, message, status, eventID)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}
