package document

import (
	"context"
	"fmt"
	"time"

	"stockcore/internal/core/apperror"
	"stockcore/internal/core/id"
	"stockcore/internal/core/tx"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/lease"
	"stockcore/internal/domain/outbox"
	"stockcore/internal/domain/stock"
	"stockcore/pkg/logger"
)

// ResourceDocument is the lease resource type guarding a document's
// posting transition.
const ResourceDocument = "document"

// ReferenceType is written on every stock move produced by a document.
const ReferenceType = "document"

// Mutator is the slice of the stock executor the workflow drives.
type Mutator interface {
	Apply(ctx context.Context, req stock.ApplyRequest) (*stock.Move, error)
}

// Numberer assigns human-readable document numbers.
type Numberer interface {
	NextNumber(ctx context.Context, tenantID id.ID, docType string) (string, error)
}

// Config tunes workflow behavior.
type Config struct {
	LeaseTTL time.Duration
}

// Service is the document posting workflow.
type Service struct {
	repo      Repository
	executor  Mutator
	locker    lease.Locker
	txManager tx.Manager
	events    outbox.Publisher
	numbers   Numberer
	cfg       Config
}

// NewService creates a document workflow service.
func NewService(repo Repository, executor Mutator, locker lease.Locker, txManager tx.Manager, events outbox.Publisher, numbers Numberer, cfg Config) *Service {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	return &Service{
		repo:      repo,
		executor:  executor,
		locker:    locker,
		txManager: txManager,
		events:    events,
		numbers:   numbers,
		cfg:       cfg,
	}
}

// LineInput is the caller-facing shape of a document line.
type LineInput struct {
	ProductID         id.ID
	WarehouseID       id.ID
	SourceWarehouseID *id.ID
	Quantity          int64
	UnitCost          *types.MinorUnits
	LotNumber         *string
}

// CreateRequest describes a new draft document.
type CreateRequest struct {
	TenantID id.ID
	Type     Type
	Note     string
	Lines    []LineInput
	Actor    id.ID
}

var numberPrefixes = map[Type]string{
	TypeAdjustment: "ADJ",
	TypeScrap:      "SCR",
	TypeReceipt:    "RCV",
	TypeTransfer:   "TRF",
}

// Create builds a draft document. Lines are optional at creation; an
// empty draft can be filled via ReplaceLines but can never be posted
// empty.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Document, error) {
	if !req.Type.Valid() {
		return nil, apperror.NewValidation("unknown document type: " + string(req.Type))
	}
	lines, err := buildLines(req.Type, req.Lines)
	if err != nil {
		return nil, err
	}

	number, err := s.numbers.NextNumber(ctx, req.TenantID, numberPrefixes[req.Type])
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &Document{
		ID:        id.New(),
		TenantID:  req.TenantID,
		Type:      req.Type,
		Number:    number,
		Status:    StatusDraft,
		Note:      req.Note,
		CreatedBy: req.Actor,
		CreatedAt: now,
		UpdatedAt: now,
		Lines:     lines,
	}
	for i := range doc.Lines {
		doc.Lines[i].DocumentID = doc.ID
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "document created",
		"document_id", doc.ID, "doc_type", doc.Type, "number", doc.Number)
	return doc, nil
}

// ReplaceLines swaps the full line set. Legal only while Draft.
func (s *Service) ReplaceLines(ctx context.Context, tenantID, docID id.ID, inputs []LineInput) (*Document, error) {
	var doc *Document
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.repo.GetForUpdate(ctx, tenantID, docID)
		if err != nil {
			return err
		}
		if doc == nil {
			return apperror.NewNotFound("document", docID)
		}
		if !doc.CanModify() {
			return apperror.NewInvalidState(
				fmt.Sprintf("document is %s, lines can only be changed while draft", doc.Status))
		}

		lines, err := buildLines(doc.Type, inputs)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].DocumentID = doc.ID
		}
		if err := s.repo.ReplaceLines(ctx, tenantID, docID, lines); err != nil {
			return err
		}
		doc.Lines = lines
		doc.UpdatedAt = time.Now().UTC()
		return s.repo.UpdateStatus(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Get returns a document with its lines.
func (s *Service) Get(ctx context.Context, tenantID, docID id.ID) (*Document, error) {
	doc, err := s.repo.Get(ctx, tenantID, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperror.NewNotFound("document", docID)
	}
	return doc, nil
}

// List returns documents matching the filter.
func (s *Service) List(ctx context.Context, tenantID id.ID, filter Filter) ([]Document, error) {
	return s.repo.List(ctx, tenantID, filter)
}

// Post performs the one-way Draft → Posted transition: every line is
// applied through the stock executor with a per-line idempotency key,
// the status flips, and a document.posted event is appended, all in one
// transaction. Re-posting an already posted document is an idempotent
// no-op returning the posted state; concurrent posts are serialized by
// the document lease taken before the status check.
func (s *Service) Post(ctx context.Context, tenantID, docID id.ID, actor id.ID) (*Document, error) {
	var doc *Document
	err := s.withLease(ctx, tenantID, docID, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			doc, err = s.repo.GetForUpdate(ctx, tenantID, docID)
			if err != nil {
				return err
			}
			if doc == nil {
				return apperror.NewNotFound("document", docID)
			}
			if doc.Status == StatusPosted {
				// Idempotent no-op: return the posted result unchanged.
				return nil
			}
			if doc.Status != StatusDraft {
				return apperror.NewInvalidState(
					fmt.Sprintf("cannot post document in status %s", doc.Status))
			}
			if len(doc.Lines) == 0 {
				return apperror.NewValidation("document has no lines")
			}

			for i := range doc.Lines {
				for _, req := range s.lineMutations(doc, &doc.Lines[i], actor) {
					if _, err := s.executor.Apply(ctx, req); err != nil {
						return err
					}
				}
			}

			now := time.Now().UTC()
			doc.MarkPosted(actor, now)
			if err := s.repo.UpdateStatus(ctx, doc); err != nil {
				return err
			}

			return s.events.Publish(ctx, tenantID, outbox.EventDocumentPosted, postedEvent(doc))
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "document posted",
		"document_id", doc.ID, "doc_type", doc.Type, "lines", len(doc.Lines))
	return doc, nil
}

// Cancel performs the terminal Draft → Cancelled transition. No
// inventory or valuation side effects.
func (s *Service) Cancel(ctx context.Context, tenantID, docID id.ID, actor id.ID) (*Document, error) {
	var doc *Document
	err := s.withLease(ctx, tenantID, docID, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			doc, err = s.repo.GetForUpdate(ctx, tenantID, docID)
			if err != nil {
				return err
			}
			if doc == nil {
				return apperror.NewNotFound("document", docID)
			}
			if doc.Status != StatusDraft {
				return apperror.NewInvalidState(
					fmt.Sprintf("cannot cancel document in status %s", doc.Status))
			}

			doc.MarkCancelled(time.Now().UTC())
			if err := s.repo.UpdateStatus(ctx, doc); err != nil {
				return err
			}

			return s.events.Publish(ctx, tenantID, outbox.EventDocumentCancelled, map[string]any{
				"tenant_id":    tenantID,
				"document_id":  docID,
				"doc_type":     doc.Type,
				"cancelled_by": actor,
				"cancelled_at": doc.UpdatedAt,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "document cancelled", "document_id", doc.ID, "doc_type", doc.Type)
	return doc, nil
}

func (s *Service) withLease(ctx context.Context, tenantID, docID id.ID, fn func(ctx context.Context) error) error {
	resourceID := docID.String()
	token, ok, err := s.locker.Acquire(ctx, tenantID, ResourceDocument, resourceID, s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NewResourceLocked(ResourceDocument, resourceID)
	}
	defer func() {
		released, rerr := s.locker.Release(ctx, tenantID, ResourceDocument, resourceID, token)
		if rerr != nil {
			logger.Warn(ctx, "document lease release failed", "document_id", docID, "error", rerr)
		} else if !released {
			logger.Warn(ctx, "document lease expired before release", "document_id", docID)
		}
	}()

	return fn(ctx)
}

// lineMutations maps one document line onto stock executor calls. The
// per-line idempotency key is derived from (document, line) so a
// retried post can never double-move a line; transfers produce two
// moves with :out/:in suffixes.
func (s *Service) lineMutations(doc *Document, line *Line, actor id.ID) []stock.ApplyRequest {
	key := lineIdempotencyKey(doc.ID, line.ID)
	base := stock.ApplyRequest{
		TenantID:       doc.TenantID,
		ProductID:      line.ProductID,
		ReferenceType:  ReferenceType,
		ReferenceID:    doc.ID,
		IdempotencyKey: key,
		UnitCost:       line.UnitCost,
		LotNumber:      line.LotNumber,
		Actor:          actor,
	}

	switch doc.Type {
	case TypeReceipt:
		base.WarehouseID = line.WarehouseID
		base.QuantityDelta = line.Quantity
		base.Type = stock.MoveReceipt
		return []stock.ApplyRequest{base}

	case TypeScrap:
		base.WarehouseID = line.WarehouseID
		base.QuantityDelta = -line.Quantity
		base.Type = stock.MoveScrap
		return []stock.ApplyRequest{base}

	case TypeTransfer:
		out := base
		out.WarehouseID = *line.SourceWarehouseID
		out.QuantityDelta = -line.Quantity
		out.Type = stock.MoveTransfer
		out.IdempotencyKey = key + ":out"

		in := base
		in.WarehouseID = line.WarehouseID
		in.QuantityDelta = line.Quantity
		in.Type = stock.MoveTransfer
		in.IdempotencyKey = key + ":in"
		return []stock.ApplyRequest{out, in}

	default: // adjustment
		base.WarehouseID = line.WarehouseID
		base.QuantityDelta = line.Quantity
		base.Type = stock.MoveAdjustment
		return []stock.ApplyRequest{base}
	}
}

func lineIdempotencyKey(docID, lineID id.ID) string {
	return fmt.Sprintf("doc:%s:%s", docID, lineID)
}

func buildLines(docType Type, inputs []LineInput) ([]Line, error) {
	lines := make([]Line, 0, len(inputs))
	for i, in := range inputs {
		if err := validateLine(docType, i, in); err != nil {
			return nil, err
		}
		lines = append(lines, Line{
			ID:                id.New(),
			LineNo:            i + 1,
			ProductID:         in.ProductID,
			WarehouseID:       in.WarehouseID,
			SourceWarehouseID: in.SourceWarehouseID,
			Quantity:          in.Quantity,
			UnitCost:          in.UnitCost,
			LotNumber:         in.LotNumber,
		})
	}
	return lines, nil
}

func validateLine(docType Type, idx int, in LineInput) error {
	lineErr := func(msg string) error {
		return apperror.NewValidation(msg).WithDetail("line", idx+1)
	}
	if id.IsNil(in.ProductID) {
		return lineErr("product is required")
	}
	if id.IsNil(in.WarehouseID) {
		return lineErr("warehouse is required")
	}

	switch docType {
	case TypeAdjustment:
		if in.Quantity == 0 {
			return lineErr("quantity must be non-zero")
		}
	case TypeTransfer:
		if in.Quantity <= 0 {
			return lineErr("quantity must be positive")
		}
		if in.SourceWarehouseID == nil || id.IsNil(*in.SourceWarehouseID) {
			return lineErr("source warehouse is required for transfer")
		}
		if *in.SourceWarehouseID == in.WarehouseID {
			return lineErr("source and destination warehouses must differ")
		}
	default:
		if in.Quantity <= 0 {
			return lineErr("quantity must be positive")
		}
	}
	return nil
}

// postedEvent builds the document.posted payload.
func postedEvent(doc *Document) map[string]any {
	lines := make([]map[string]any, 0, len(doc.Lines))
	for _, l := range doc.Lines {
		lines = append(lines, map[string]any{
			"product_id":   l.ProductID,
			"warehouse_id": l.WarehouseID,
			"quantity":     l.Quantity,
		})
	}
	return map[string]any{
		"tenant_id":   doc.TenantID,
		"document_id": doc.ID,
		"doc_type":    doc.Type,
		"number":      doc.Number,
		"lines":       lines,
		"posted_by":   doc.PostedBy,
		"posted_at":   doc.PostedAt,
	}
}
