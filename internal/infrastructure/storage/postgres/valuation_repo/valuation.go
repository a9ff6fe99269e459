// Package valuation_repo provides PostgreSQL implementations for the
// costing ledger: valuations, FIFO layers and the audit history.
package valuation_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/valuation"
	"stockcore/internal/infrastructure/storage/postgres"
)

const (
	valuationsTable = "valuations"
	layersTable     = "valuation_layers"
	historyTable    = "valuation_history"
)

// Repo implements valuation.Repository.
type Repo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewRepo creates a valuation repository.
func NewRepo(txManager *postgres.TxManager) *Repo {
	return &Repo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var valuationColumns = postgres.ExtractDBColumns[valuation.Valuation]()

func (r *Repo) get(ctx context.Context, tenantID, productID id.ID, forUpdate bool) (*valuation.Valuation, error) {
	q := r.builder.Select(valuationColumns...).
		From(valuationsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "product_id": productID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select valuation: %w", err)
	}

	var v valuation.Valuation
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &v, sql, args...)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get valuation: %w", err)
	}
	return &v, nil
}

// Get returns the valuation for a product, or (nil, nil).
func (r *Repo) Get(ctx context.Context, tenantID, productID id.ID) (*valuation.Valuation, error) {
	return r.get(ctx, tenantID, productID, false)
}

// GetForUpdate locks the valuation row for the current transaction.
func (r *Repo) GetForUpdate(ctx context.Context, tenantID, productID id.ID) (*valuation.Valuation, error) {
	return r.get(ctx, tenantID, productID, true)
}

// Create inserts a new valuation.
func (r *Repo) Create(ctx context.Context, v *valuation.Valuation) error {
	q := r.builder.Insert(valuationsTable).SetMap(postgres.StructToMap(v))

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert valuation: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert valuation: %w", err)
	}
	return nil
}

// Update writes back the mutable costing state.
func (r *Repo) Update(ctx context.Context, v *valuation.Valuation) error {
	q := r.builder.Update(valuationsTable).
		Set("method", v.Method).
		Set("total_quantity", v.TotalQuantity).
		Set("total_value", v.TotalValue).
		Set("unit_cost", v.UnitCost).
		Set("standard_cost", v.StandardCost).
		Set("updated_at", v.UpdatedAt).
		Set("updated_by", v.UpdatedBy).
		Where(squirrel.Eq{"id": v.ID, "tenant_id": v.TenantID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update valuation: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update valuation: %w", err)
	}
	return nil
}

var layerColumns = postgres.ExtractDBColumns[valuation.Layer]()

// OpenLayers returns non-exhausted layers oldest-first. Insertion id
// breaks ties on identical creation timestamps, keeping FIFO order
// deterministic.
func (r *Repo) OpenLayers(ctx context.Context, tenantID, productID id.ID) ([]valuation.Layer, error) {
	q := r.builder.Select(layerColumns...).
		From(layersTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "product_id": productID}).
		Where(squirrel.Gt{"quantity": 0}).
		OrderBy("created_at ASC", "id ASC").
		Suffix("FOR UPDATE")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select layers: %w", err)
	}

	var layers []valuation.Layer
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &layers, sql, args...); err != nil {
		return nil, fmt.Errorf("list open layers: %w", err)
	}
	return layers, nil
}

// InsertLayer appends a FIFO cost tranche.
func (r *Repo) InsertLayer(ctx context.Context, layer *valuation.Layer) error {
	q := r.builder.Insert(layersTable).
		Columns(layerColumns...).
		Values(layer.ID, layer.TenantID, layer.ProductID, layer.Quantity, layer.UnitCost, layer.TotalValue, layer.CreatedAt)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert layer: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert layer: %w", err)
	}
	return nil
}

// UpdateLayer writes back quantity and total_value after consumption.
func (r *Repo) UpdateLayer(ctx context.Context, layer *valuation.Layer) error {
	q := r.builder.Update(layersTable).
		Set("quantity", layer.Quantity).
		Set("total_value", layer.TotalValue).
		Where(squirrel.Eq{"id": layer.ID, "tenant_id": layer.TenantID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update layer: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update layer: %w", err)
	}
	return nil
}

// SumOpenLayerValue totals the remaining value across open layers.
func (r *Repo) SumOpenLayerValue(ctx context.Context, tenantID, productID id.ID) (types.MinorUnits, error) {
	var total int64
	err := r.txManager.GetQuerier(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(total_value), 0)
		FROM valuation_layers
		WHERE tenant_id = $1 AND product_id = $2 AND quantity > 0
	`, tenantID, productID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum open layer value: %w", err)
	}
	return types.MinorUnits(total), nil
}

// AppendHistory records an audit snapshot.
func (r *Repo) AppendHistory(ctx context.Context, entry *valuation.HistoryEntry) error {
	q := r.builder.Insert(historyTable).SetMap(postgres.StructToMap(entry))

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert history: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
