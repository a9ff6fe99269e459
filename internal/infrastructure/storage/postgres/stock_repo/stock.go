// Package stock_repo provides PostgreSQL implementations for the stock
// move ledger and the inventory level aggregate.
package stock_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockcore/internal/core/apperror"
	"stockcore/internal/core/id"
	"stockcore/internal/domain/stock"
	"stockcore/internal/infrastructure/storage/postgres"
)

const (
	movesTable  = "stock_moves"
	levelsTable = "inventory_levels"
)

// MoveRepo implements stock.MoveRepository.
type MoveRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewMoveRepo creates a stock move repository.
func NewMoveRepo(txManager *postgres.TxManager) *MoveRepo {
	return &MoveRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var moveColumns = postgres.ExtractDBColumns[stock.Move]()

// Insert appends one move. The unique (tenant_id, idempotency_key)
// index is the last line of defense against duplicate application; the
// executor checks first under lease, so a conflict here means a retry
// raced and the row already exists.
func (r *MoveRepo) Insert(ctx context.Context, m *stock.Move) error {
	q := r.builder.Insert(movesTable).
		SetMap(postgres.StructToMap(m)).
		Suffix("ON CONFLICT (tenant_id, idempotency_key) DO NOTHING")

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert move: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("insert move: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConflict("stock move with this idempotency key already exists").
			WithDetail("idempotency_key", m.IdempotencyKey)
	}
	return nil
}

// GetByIdempotencyKey returns the move for a key, or (nil, nil).
func (r *MoveRepo) GetByIdempotencyKey(ctx context.Context, tenantID id.ID, key string) (*stock.Move, error) {
	q := r.builder.Select(moveColumns...).
		From(movesTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "idempotency_key": key})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select move: %w", err)
	}

	var m stock.Move
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &m, sql, args...)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get move by idempotency key: %w", err)
	}
	return &m, nil
}

// ListByReference returns all moves written for a document, oldest-first.
func (r *MoveRepo) ListByReference(ctx context.Context, tenantID id.ID, referenceType string, referenceID id.ID) ([]stock.Move, error) {
	q := r.builder.Select(moveColumns...).
		From(movesTable).
		Where(squirrel.Eq{
			"tenant_id":      tenantID,
			"reference_type": referenceType,
			"reference_id":   referenceID,
		}).
		OrderBy("created_at", "id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list moves: %w", err)
	}

	var moves []stock.Move
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &moves, sql, args...); err != nil {
		return nil, fmt.Errorf("list moves by reference: %w", err)
	}
	return moves, nil
}

// LevelRepo implements stock.LevelRepository.
type LevelRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewLevelRepo creates an inventory level repository.
func NewLevelRepo(txManager *postgres.TxManager) *LevelRepo {
	return &LevelRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var levelColumns = postgres.ExtractDBColumns[stock.Level]()

// Get returns the level row, or (nil, nil) when none exists yet.
func (r *LevelRepo) Get(ctx context.Context, tenantID, warehouseID, productID id.ID) (*stock.Level, error) {
	q := r.builder.Select(levelColumns...).
		From(levelsTable).
		Where(squirrel.Eq{
			"tenant_id":    tenantID,
			"warehouse_id": warehouseID,
			"product_id":   productID,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select level: %w", err)
	}

	var level stock.Level
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &level, sql, args...)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get level: %w", err)
	}
	return &level, nil
}

// GetForUpdate locks the level row, creating a zero row first when the
// pair has never moved stock before.
func (r *LevelRepo) GetForUpdate(ctx context.Context, tenantID, warehouseID, productID id.ID) (*stock.Level, error) {
	querier := r.txManager.GetQuerier(ctx)

	_, err := querier.Exec(ctx, `
		INSERT INTO inventory_levels (tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (tenant_id, product_id, warehouse_id) DO NOTHING
	`, tenantID, productID, warehouseID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure level row: %w", err)
	}

	q := r.builder.Select(levelColumns...).
		From(levelsTable).
		Where(squirrel.Eq{
			"tenant_id":    tenantID,
			"warehouse_id": warehouseID,
			"product_id":   productID,
		}).
		Suffix("FOR UPDATE")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select level for update: %w", err)
	}

	var level stock.Level
	if err := pgxscan.Get(ctx, querier, &level, sql, args...); err != nil {
		return nil, fmt.Errorf("lock level: %w", err)
	}
	return &level, nil
}

// ApplyDelta shifts the counters with a non-negativity guard in the
// statement itself. A guard rejection means a code path mutated the
// pair without the lease; the executor's own validation never lets a
// violating delta reach this point.
func (r *LevelRepo) ApplyDelta(ctx context.Context, tenantID, warehouseID, productID id.ID, availableDelta, reservedDelta int64) (*stock.Level, error) {
	var level stock.Level
	err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &level, `
		UPDATE inventory_levels
		SET available_quantity = available_quantity + $4,
		    reserved_quantity  = reserved_quantity + $5,
		    updated_at         = $6
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
		  AND available_quantity + $4 >= 0
		  AND reserved_quantity + $5 >= 0
		RETURNING tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, updated_at
	`, tenantID, warehouseID, productID, availableDelta, reservedDelta, time.Now().UTC())
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewConflict("inventory counters would go negative").
				WithDetail("product_id", productID).
				WithDetail("warehouse_id", warehouseID)
		}
		return nil, fmt.Errorf("apply level delta: %w", err)
	}
	return &level, nil
}
