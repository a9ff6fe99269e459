// Package valuation implements the per-(tenant, product) costing ledger:
// FIFO cost layers, weighted-average cost, and fixed standard cost.
package valuation

import (
	"time"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
)

// Method selects how movements are costed. Switching method never
// recomputes history; it only changes how future movements are costed.
type Method string

const (
	MethodFIFO            Method = "fifo"
	MethodWeightedAverage Method = "weighted_average"
	MethodStandard        Method = "standard"
)

// Valid reports whether m is a known costing method.
func (m Method) Valid() bool {
	switch m {
	case MethodFIFO, MethodWeightedAverage, MethodStandard:
		return true
	}
	return false
}

// Valuation is the current costing state for a product.
//
// Invariant: total_value equals total_quantity × effective unit cost for
// weighted-average/standard; for FIFO it equals the sum of remaining
// layer values.
type Valuation struct {
	ID            id.ID             `db:"id"`
	TenantID      id.ID             `db:"tenant_id"`
	ProductID     id.ID             `db:"product_id"`
	Method        Method            `db:"method"`
	TotalQuantity int64             `db:"total_quantity"`
	TotalValue    types.MinorUnits  `db:"total_value"`
	UnitCost      *types.MinorUnits `db:"unit_cost"`     // nil for pure FIFO (layer-derived)
	StandardCost  *types.MinorUnits `db:"standard_cost"` // meaningful under standard method only
	Currency      string            `db:"currency"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
	UpdatedBy     id.ID             `db:"updated_by"`
}

// Layer is a FIFO cost tranche. Quantity only ever decreases; a layer at
// quantity 0 is exhausted and skipped by future consumption, retained
// for audit.
type Layer struct {
	ID         id.ID            `db:"id"`
	TenantID   id.ID            `db:"tenant_id"`
	ProductID  id.ID            `db:"product_id"`
	Quantity   int64            `db:"quantity"`
	UnitCost   types.MinorUnits `db:"unit_cost"`
	TotalValue types.MinorUnits `db:"total_value"`
	CreatedAt  time.Time        `db:"created_at"`
}

// ChangeType classifies a history entry.
type ChangeType string

const (
	ChangeMovement       ChangeType = "movement"
	ChangeMethodChange   ChangeType = "method_change"
	ChangeCostAdjustment ChangeType = "cost_adjustment"
	ChangeRevaluation    ChangeType = "revaluation"
)

// HistoryEntry is an append-only snapshot written on every valuation
// change. Write-once, exists purely for audit and reporting.
type HistoryEntry struct {
	ID            id.ID             `db:"id"`
	TenantID      id.ID             `db:"tenant_id"`
	ProductID     id.ID             `db:"product_id"`
	ChangeType    ChangeType        `db:"change_type"`
	Method        Method            `db:"method"`
	QuantityDelta int64             `db:"quantity_delta"`
	TotalQuantity int64             `db:"total_quantity"`
	TotalValue    types.MinorUnits  `db:"total_value"`
	UnitCost      *types.MinorUnits `db:"unit_cost"`
	StandardCost  *types.MinorUnits `db:"standard_cost"`
	Reason        string            `db:"reason"`
	CreatedBy     id.ID             `db:"created_by"`
	CreatedAt     time.Time         `db:"created_at"`
}

// Snapshot is the plain-data result of a ledger operation, safe to hand
// across the service boundary.
type Snapshot struct {
	ProductID     id.ID             `json:"product_id"`
	Method        Method            `json:"method"`
	TotalQuantity int64             `json:"total_quantity"`
	TotalValue    types.MinorUnits  `json:"total_value"`
	UnitCost      *types.MinorUnits `json:"unit_cost,omitempty"`
	// RealizedCost is the value moved by this operation: the layer
	// contribution on a receipt, the consumed cost on an issue.
	RealizedCost types.MinorUnits `json:"realized_cost"`
}

func snapshotOf(v *Valuation, realized types.MinorUnits) *Snapshot {
	return &Snapshot{
		ProductID:     v.ProductID,
		Method:        v.Method,
		TotalQuantity: v.TotalQuantity,
		TotalValue:    v.TotalValue,
		UnitCost:      v.UnitCost,
		RealizedCost:  realized,
	}
}
