package valuation

import (
	"context"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
)

// Repository is the persistence contract for the costing ledger.
// All mutating methods are expected to run inside the caller's
// transaction context.
type Repository interface {
	// Get returns the valuation for a product, or (nil, nil) when none exists.
	Get(ctx context.Context, tenantID, productID id.ID) (*Valuation, error)

	// GetForUpdate locks the valuation row for the current transaction.
	// Returns (nil, nil) when none exists.
	GetForUpdate(ctx context.Context, tenantID, productID id.ID) (*Valuation, error)

	Create(ctx context.Context, v *Valuation) error
	Update(ctx context.Context, v *Valuation) error

	// OpenLayers returns layers with quantity > 0, oldest-first by
	// creation time with insertion id as the deterministic tie-break.
	OpenLayers(ctx context.Context, tenantID, productID id.ID) ([]Layer, error)

	InsertLayer(ctx context.Context, layer *Layer) error

	// UpdateLayer writes back quantity and total_value after consumption.
	UpdateLayer(ctx context.Context, layer *Layer) error

	// SumOpenLayerValue totals the remaining value across open layers.
	SumOpenLayerValue(ctx context.Context, tenantID, productID id.ID) (types.MinorUnits, error)

	// AppendHistory records an audit snapshot. Never updated or deleted.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
}
