// Package document_repo provides the PostgreSQL implementation for
// stock documents and their lines.
package document_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockcore/internal/core/id"
	"stockcore/internal/domain/document"
	"stockcore/internal/infrastructure/storage/postgres"
)

const (
	documentsTable = "documents"
	linesTable     = "document_lines"
)

// Repo implements document.Repository.
type Repo struct {
	txManager *postgres.TxManager
	batch     *postgres.BatchInserter
	builder   squirrel.StatementBuilderType
}

// NewRepo creates a document repository.
func NewRepo(txManager *postgres.TxManager) *Repo {
	return &Repo{
		txManager: txManager,
		batch:     postgres.NewBatchInserter(txManager),
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var (
	documentColumns = postgres.ExtractDBColumns[document.Document]()
	lineColumns     = postgres.ExtractDBColumns[document.Line]()
)

// Create inserts the document together with its lines.
func (r *Repo) Create(ctx context.Context, doc *document.Document) error {
	q := r.builder.Insert(documentsTable).SetMap(postgres.StructToMap(doc))

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert document: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	return r.insertLines(ctx, doc.Lines)
}

func (r *Repo) insertLines(ctx context.Context, lines []document.Line) error {
	if len(lines) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []any{
			l.ID, l.DocumentID, l.LineNo, l.ProductID, l.WarehouseID,
			l.SourceWarehouseID, l.Quantity, l.UnitCost, l.LotNumber,
		})
	}
	if _, err := r.batch.CopyFromSlice(ctx, linesTable, lineColumns, rows); err != nil {
		return fmt.Errorf("insert lines: %w", err)
	}
	return nil
}

func (r *Repo) get(ctx context.Context, tenantID, docID id.ID, forUpdate bool) (*document.Document, error) {
	q := r.builder.Select(documentColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "id": docID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select document: %w", err)
	}

	var doc document.Document
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &doc, sql, args...)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	lines, err := r.getLines(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.Lines = lines
	return &doc, nil
}

// Get returns the document with lines, or (nil, nil).
func (r *Repo) Get(ctx context.Context, tenantID, docID id.ID) (*document.Document, error) {
	return r.get(ctx, tenantID, docID, false)
}

// GetForUpdate locks the document row for the current transaction.
func (r *Repo) GetForUpdate(ctx context.Context, tenantID, docID id.ID) (*document.Document, error) {
	return r.get(ctx, tenantID, docID, true)
}

func (r *Repo) getLines(ctx context.Context, docID id.ID) ([]document.Line, error) {
	q := r.builder.Select(lineColumns...).
		From(linesTable).
		Where(squirrel.Eq{"document_id": docID}).
		OrderBy("line_no")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select lines: %w", err)
	}

	var lines []document.Line
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &lines, sql, args...); err != nil {
		return nil, fmt.Errorf("get lines: %w", err)
	}
	return lines, nil
}

// ReplaceLines swaps the full line set of a draft document.
func (r *Repo) ReplaceLines(ctx context.Context, tenantID, docID id.ID, lines []document.Line) error {
	del := r.builder.Delete(linesTable).Where(squirrel.Eq{"document_id": docID})
	sql, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build delete lines: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}

	return r.insertLines(ctx, lines)
}

// UpdateStatus writes back the state machine fields.
func (r *Repo) UpdateStatus(ctx context.Context, doc *document.Document) error {
	q := r.builder.Update(documentsTable).
		Set("status", doc.Status).
		Set("note", doc.Note).
		Set("updated_at", doc.UpdatedAt).
		Set("posted_by", doc.PostedBy).
		Set("posted_at", doc.PostedAt).
		Where(squirrel.Eq{"id": doc.ID, "tenant_id": doc.TenantID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update document: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// List returns documents matching the filter, newest-first, without lines.
func (r *Repo) List(ctx context.Context, tenantID id.ID, filter document.Filter) ([]document.Document, error) {
	q := r.builder.Select(documentColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"tenant_id": tenantID}).
		OrderBy("created_at DESC")

	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": *filter.Status})
	}
	if filter.Type != nil {
		q = q.Where(squirrel.Eq{"doc_type": *filter.Type})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list documents: %w", err)
	}

	var docs []document.Document
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &docs, sql, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}
