package document

import (
	"context"

	"stockcore/internal/core/id"
)

// Filter narrows document listings.
type Filter struct {
	Status *Status
	Type   *Type
	Limit  int
	Offset int
}

// Repository is the persistence contract for documents and their lines.
type Repository interface {
	// Create inserts the document together with its lines.
	Create(ctx context.Context, doc *Document) error

	// Get returns the document with lines, or (nil, nil) when absent.
	Get(ctx context.Context, tenantID, docID id.ID) (*Document, error)

	// GetForUpdate locks the document row for the current transaction.
	// Lines are loaded as well. Returns (nil, nil) when absent.
	GetForUpdate(ctx context.Context, tenantID, docID id.ID) (*Document, error)

	// ReplaceLines swaps the full line set of a draft document.
	ReplaceLines(ctx context.Context, tenantID, docID id.ID, lines []Line) error

	// UpdateStatus writes back status, posted_by/posted_at and updated_at.
	UpdateStatus(ctx context.Context, doc *Document) error

	// List returns documents matching the filter, newest-first, without lines.
	List(ctx context.Context, tenantID id.ID, filter Filter) ([]Document, error)
}
