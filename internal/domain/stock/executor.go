package stock

import (
	"context"
	"fmt"
	"time"

	"stockcore/internal/core/apperror"
	"stockcore/internal/core/id"
	"stockcore/internal/core/tx"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/lease"
	"stockcore/internal/domain/valuation"
	"stockcore/pkg/logger"
)

// ResourceProductWarehouse is the lease resource type guarding a
// (product, warehouse) pair.
const ResourceProductWarehouse = "product_warehouse"

// CostLedger is the slice of the valuation ledger the executor drives.
type CostLedger interface {
	ProcessMovement(ctx context.Context, tenantID, productID id.ID, quantityDelta int64, unitCost *types.MinorUnits, actor id.ID) (*valuation.Snapshot, error)
}

// Config tunes executor behavior.
type Config struct {
	// LeaseTTL bounds how long a crashed mutation blocks the resource.
	LeaseTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{LeaseTTL: lease.DefaultTTL}
}

// Executor orchestrates a single logical inventory change:
// acquire lease, validate, write move, update aggregate, drive the
// valuation ledger, all inside one transaction. The lease backend is
// fail-closed here: a transport failure fails the whole mutation.
type Executor struct {
	moves     MoveRepository
	levels    LevelRepository
	ledger    CostLedger
	locker    lease.Locker
	txManager tx.Manager
	cfg       Config
}

// NewExecutor creates a stock mutation executor.
func NewExecutor(moves MoveRepository, levels LevelRepository, ledger CostLedger, locker lease.Locker, txManager tx.Manager, cfg Config) *Executor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	return &Executor{
		moves:     moves,
		levels:    levels,
		ledger:    ledger,
		locker:    locker,
		txManager: txManager,
		cfg:       cfg,
	}
}

// ApplyRequest describes one costed stock mutation.
type ApplyRequest struct {
	TenantID         id.ID
	ProductID        id.ID
	WarehouseID      id.ID
	QuantityDelta    int64 // signed, smallest unit, never zero
	Type             MoveType
	UnitCost         *types.MinorUnits
	ReferenceType    string
	ReferenceID      id.ID
	IdempotencyKey   string
	LotNumber        *string
	SourceLocationID *id.ID
	DestLocationID   *id.ID
	Actor            id.ID
}

// ReserveRequest describes a reservation or release. Quantity is always
// positive; the operation decides the direction.
type ReserveRequest struct {
	TenantID       id.ID
	ProductID      id.ID
	WarehouseID    id.ID
	Quantity       int64
	ReferenceType  string
	ReferenceID    id.ID
	IdempotencyKey string
	Actor          id.ID
}

// Apply executes one costed mutation. Re-submission with the same
// idempotency key returns the previously written move without
// re-mutating.
func (e *Executor) Apply(ctx context.Context, req ApplyRequest) (*Move, error) {
	if err := validateApply(req); err != nil {
		return nil, err
	}

	var move *Move
	err := e.withLease(ctx, req.TenantID, req.ProductID, req.WarehouseID, func(ctx context.Context) error {
		return e.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			existing, err := e.moves.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				move = existing
				return nil
			}

			level, err := e.levels.GetForUpdate(ctx, req.TenantID, req.WarehouseID, req.ProductID)
			if err != nil {
				return err
			}
			if req.QuantityDelta < 0 && level.Available < -req.QuantityDelta {
				return apperror.NewInsufficientStock(req.ProductID.String(), -req.QuantityDelta, level.Available)
			}

			move = e.buildMove(req)
			if err := e.moves.Insert(ctx, move); err != nil {
				return err
			}
			if _, err := e.levels.ApplyDelta(ctx, req.TenantID, req.WarehouseID, req.ProductID, req.QuantityDelta, 0); err != nil {
				return err
			}

			if req.Type.AffectsValuation() {
				if _, err := e.ledger.ProcessMovement(ctx, req.TenantID, req.ProductID, req.QuantityDelta, req.UnitCost, req.Actor); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "stock mutation applied",
		"product_id", req.ProductID,
		"warehouse_id", req.WarehouseID,
		"move_type", req.Type,
		"quantity_delta", req.QuantityDelta,
	)
	return move, nil
}

// Reserve moves quantity from available into reserved. Fails with
// InsufficientStock when available < quantity. No valuation impact.
func (e *Executor) Reserve(ctx context.Context, req ReserveRequest) (*Move, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}

	var move *Move
	err := e.withLease(ctx, req.TenantID, req.ProductID, req.WarehouseID, func(ctx context.Context) error {
		return e.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			existing, err := e.moves.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				move = existing
				return nil
			}

			level, err := e.levels.GetForUpdate(ctx, req.TenantID, req.WarehouseID, req.ProductID)
			if err != nil {
				return err
			}
			if level.Available < req.Quantity {
				return apperror.NewInsufficientStock(req.ProductID.String(), req.Quantity, level.Available)
			}

			// Quantity on the move records the delta to available.
			move = e.buildReservationMove(req, MoveReservation, -req.Quantity)
			if err := e.moves.Insert(ctx, move); err != nil {
				return err
			}
			_, err = e.levels.ApplyDelta(ctx, req.TenantID, req.WarehouseID, req.ProductID, -req.Quantity, req.Quantity)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return move, nil
}

// Release returns reserved quantity to available. The amount is clamped
// so reserved never goes negative; a release that clamps to zero is a
// no-op and returns a nil move.
func (e *Executor) Release(ctx context.Context, req ReserveRequest) (*Move, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}

	var move *Move
	err := e.withLease(ctx, req.TenantID, req.ProductID, req.WarehouseID, func(ctx context.Context) error {
		return e.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			existing, err := e.moves.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				move = existing
				return nil
			}

			level, err := e.levels.GetForUpdate(ctx, req.TenantID, req.WarehouseID, req.ProductID)
			if err != nil {
				return err
			}
			effective := req.Quantity
			if level.Reserved < effective {
				effective = level.Reserved
			}
			if effective == 0 {
				return nil
			}

			move = e.buildReservationMove(req, MoveRelease, effective)
			if err := e.moves.Insert(ctx, move); err != nil {
				return err
			}
			_, err = e.levels.ApplyDelta(ctx, req.TenantID, req.WarehouseID, req.ProductID, effective, -effective)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return move, nil
}

// GetLevel returns the current aggregate for a product/warehouse pair,
// a zero-valued level when no row exists yet.
func (e *Executor) GetLevel(ctx context.Context, tenantID, warehouseID, productID id.ID) (*Level, error) {
	level, err := e.levels.Get(ctx, tenantID, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	if level == nil {
		return &Level{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}, nil
	}
	return level, nil
}

// GetMovesByReference returns every move an originating document
// produced, oldest-first.
func (e *Executor) GetMovesByReference(ctx context.Context, tenantID id.ID, referenceType string, referenceID id.ID) ([]Move, error) {
	return e.moves.ListByReference(ctx, tenantID, referenceType, referenceID)
}

// withLease runs fn under the product/warehouse lease. Acquisition
// failure fails the call immediately; there is no blocking wait.
func (e *Executor) withLease(ctx context.Context, tenantID, productID, warehouseID id.ID, fn func(ctx context.Context) error) error {
	resourceID := fmt.Sprintf("%s:%s", productID, warehouseID)
	token, ok, err := e.locker.Acquire(ctx, tenantID, ResourceProductWarehouse, resourceID, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NewResourceLocked(ResourceProductWarehouse, resourceID)
	}
	defer func() {
		released, rerr := e.locker.Release(ctx, tenantID, ResourceProductWarehouse, resourceID, token)
		if rerr != nil {
			logger.Warn(ctx, "lease release failed", "resource_id", resourceID, "error", rerr)
		} else if !released {
			logger.Warn(ctx, "lease expired before release", "resource_id", resourceID)
		}
	}()

	return fn(ctx)
}

func (e *Executor) buildMove(req ApplyRequest) *Move {
	return &Move{
		ID:               id.New(),
		TenantID:         req.TenantID,
		ProductID:        req.ProductID,
		WarehouseID:      req.WarehouseID,
		SourceLocationID: req.SourceLocationID,
		DestLocationID:   req.DestLocationID,
		Type:             req.Type,
		Quantity:         req.QuantityDelta,
		UnitCost:         req.UnitCost,
		ReferenceType:    req.ReferenceType,
		ReferenceID:      req.ReferenceID,
		IdempotencyKey:   req.IdempotencyKey,
		LotNumber:        req.LotNumber,
		CreatedBy:        req.Actor,
		CreatedAt:        time.Now().UTC(),
	}
}

func (e *Executor) buildReservationMove(req ReserveRequest, moveType MoveType, quantity int64) *Move {
	return &Move{
		ID:             id.New(),
		TenantID:       req.TenantID,
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		Type:           moveType,
		Quantity:       quantity,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.Actor,
		CreatedAt:      time.Now().UTC(),
	}
}

func validateApply(req ApplyRequest) error {
	if req.QuantityDelta == 0 {
		return apperror.NewValidation("quantity delta must be non-zero")
	}
	if req.IdempotencyKey == "" {
		return apperror.NewValidation("idempotency key is required")
	}
	if !req.Type.Valid() {
		return apperror.NewValidation("unknown move type: " + string(req.Type))
	}
	if !req.Type.AffectsValuation() {
		return apperror.NewValidation("reservation moves must use Reserve/Release")
	}
	return nil
}

func validateReserve(req ReserveRequest) error {
	if req.Quantity <= 0 {
		return apperror.NewValidation("quantity must be positive")
	}
	if req.IdempotencyKey == "" {
		return apperror.NewValidation("idempotency key is required")
	}
	return nil
}
