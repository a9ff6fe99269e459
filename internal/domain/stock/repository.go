package stock

import (
	"context"

	"stockcore/internal/core/id"
)

// MoveRepository persists the append-only move ledger.
type MoveRepository interface {
	Insert(ctx context.Context, move *Move) error

	// GetByIdempotencyKey returns the move previously written for this
	// key, or (nil, nil) when none exists. Keys are unique per tenant.
	GetByIdempotencyKey(ctx context.Context, tenantID id.ID, key string) (*Move, error)

	// ListByReference returns all moves produced by an originating
	// document, oldest-first.
	ListByReference(ctx context.Context, tenantID id.ID, referenceType string, referenceID id.ID) ([]Move, error)
}

// LevelRepository persists the per-(product, warehouse) aggregate.
type LevelRepository interface {
	// Get returns the level, or (nil, nil) when no row exists yet.
	Get(ctx context.Context, tenantID, warehouseID, productID id.ID) (*Level, error)

	// GetForUpdate locks the level row for the current transaction,
	// creating a zero row first when none exists.
	GetForUpdate(ctx context.Context, tenantID, warehouseID, productID id.ID) (*Level, error)

	// ApplyDelta shifts the counters and returns the updated row. The
	// store guards against either counter going negative even though
	// the executor validates first under lease.
	ApplyDelta(ctx context.Context, tenantID, warehouseID, productID id.ID, availableDelta, reservedDelta int64) (*Level, error)
}
