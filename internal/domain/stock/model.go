// Package stock implements the stock mutation executor: the single code
// path through which on-hand and reserved quantities change. Every
// mutation is serialized by a per-(product, warehouse) lease, recorded
// as an immutable move and, when costed, driven through the valuation
// ledger inside the same transaction.
package stock

import (
	"time"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
)

// MoveType classifies a stock move.
type MoveType string

const (
	MoveReceipt     MoveType = "receipt"
	MoveShipment    MoveType = "shipment"
	MoveTransfer    MoveType = "transfer"
	MoveScrap       MoveType = "scrap"
	MoveAdjustment  MoveType = "adjustment"
	MoveReservation MoveType = "reservation"
	MoveRelease     MoveType = "release"
)

// Valid reports whether t is a known move type.
func (t MoveType) Valid() bool {
	switch t {
	case MoveReceipt, MoveShipment, MoveTransfer, MoveScrap, MoveAdjustment, MoveReservation, MoveRelease:
		return true
	}
	return false
}

// AffectsValuation reports whether moves of this type carry a cost
// implication. Reservations only shift the available/reserved split.
func (t MoveType) AffectsValuation() bool {
	return t != MoveReservation && t != MoveRelease
}

// Move is the immutable audit record of a single quantity change.
// Append-only: never updated, never hard-deleted. Quantity is the
// signed delta applied to the available counter, in the smallest unit,
// and is never zero.
type Move struct {
	ID               id.ID             `db:"id"`
	TenantID         id.ID             `db:"tenant_id"`
	ProductID        id.ID             `db:"product_id"`
	WarehouseID      id.ID             `db:"warehouse_id"`
	SourceLocationID *id.ID            `db:"source_location_id"`
	DestLocationID   *id.ID            `db:"dest_location_id"`
	Type             MoveType          `db:"move_type"`
	Quantity         int64             `db:"quantity"`
	UnitCost         *types.MinorUnits `db:"unit_cost"`
	ReferenceType    string            `db:"reference_type"`
	ReferenceID      id.ID             `db:"reference_id"`
	IdempotencyKey   string            `db:"idempotency_key"`
	LotNumber        *string           `db:"lot_number"`
	CreatedBy        id.ID             `db:"created_by"`
	CreatedAt        time.Time         `db:"created_at"`
}

// Level is the per-(tenant, product, warehouse) aggregate. Created
// lazily on the first stock event for the pair; mutated exclusively
// under lease.
//
// Invariant: Available >= 0 and Reserved >= 0 after every operation.
type Level struct {
	TenantID    id.ID     `db:"tenant_id"`
	ProductID   id.ID     `db:"product_id"`
	WarehouseID id.ID     `db:"warehouse_id"`
	Available   int64     `db:"available_quantity"`
	Reserved    int64     `db:"reserved_quantity"`
	UpdatedAt   time.Time `db:"updated_at"`
}
