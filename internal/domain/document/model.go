// Package document implements the draft-to-posted state machine for
// multi-line stock documents. Posting wraps one-or-many stock executor
// calls in a single atomic, idempotent transition.
package document

import (
	"time"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
)

// Type of a stock document.
type Type string

const (
	TypeAdjustment Type = "adjustment"
	TypeScrap      Type = "scrap"
	TypeReceipt    Type = "receipt"
	TypeTransfer   Type = "transfer"
)

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	switch t {
	case TypeAdjustment, TypeScrap, TypeReceipt, TypeTransfer:
		return true
	}
	return false
}

// Status of a document. Draft is the only mutable state; Posted and
// Cancelled are terminal.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
)

// Document is a draft-to-posted state container. A posted document owns
// a non-empty, immutable set of stock moves it produced.
type Document struct {
	ID        id.ID      `db:"id"`
	TenantID  id.ID      `db:"tenant_id"`
	Type      Type       `db:"doc_type"`
	Number    string     `db:"number"`
	Status    Status     `db:"status"`
	Note      string     `db:"note"`
	CreatedBy id.ID      `db:"created_by"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	PostedBy  *id.ID     `db:"posted_by"`
	PostedAt  *time.Time `db:"posted_at"`

	Lines []Line `db:"-"`
}

// Line is one row of a document.
//
// Quantity semantics by document type: adjustment lines carry a signed
// delta; receipt, scrap and transfer lines carry a positive magnitude
// (scrap consumes, transfer moves between warehouses).
type Line struct {
	ID         id.ID `db:"id"`
	DocumentID id.ID `db:"document_id"`
	LineNo     int   `db:"line_no"`

	ProductID   id.ID `db:"product_id"`
	WarehouseID id.ID `db:"warehouse_id"`
	// SourceWarehouseID is the origin warehouse for transfer lines;
	// WarehouseID is then the destination.
	SourceWarehouseID *id.ID `db:"source_warehouse_id"`

	Quantity  int64             `db:"quantity"`
	UnitCost  *types.MinorUnits `db:"unit_cost"`
	LotNumber *string           `db:"lot_number"`
}

// CanModify reports whether lines may still be changed.
func (d *Document) CanModify() bool {
	return d.Status == StatusDraft
}

// MarkPosted performs the one-way transition to Posted.
func (d *Document) MarkPosted(actor id.ID, at time.Time) {
	d.Status = StatusPosted
	d.PostedBy = &actor
	d.PostedAt = &at
	d.UpdatedAt = at
}

// MarkCancelled performs the terminal transition to Cancelled.
func (d *Document) MarkCancelled(at time.Time) {
	d.Status = StatusCancelled
	d.UpdatedAt = at
}
