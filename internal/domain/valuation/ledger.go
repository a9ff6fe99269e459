package valuation

import (
	"context"
	"time"

	"stockcore/internal/core/apperror"
	"stockcore/internal/core/id"
	"stockcore/internal/core/tx"
	"stockcore/internal/core/types"
	"stockcore/pkg/logger"
)

// DefaultCurrency is used when a valuation is created lazily by the
// first costed movement.
const DefaultCurrency = "USD"

// Ledger maintains costing state per (tenant, product). Movement
// processing is driven by the stock executor inside its transaction;
// administrative operations open their own.
type Ledger struct {
	repo      Repository
	txManager tx.Manager
}

// NewLedger creates a costing ledger service.
func NewLedger(repo Repository, txManager tx.Manager) *Ledger {
	return &Ledger{repo: repo, txManager: txManager}
}

// ProcessMovement applies a signed quantity change to the product's
// costing state and appends one history entry. Positive deltas add
// value per the method rule; negative deltas consume it. The valuation
// row is created lazily on the first costed movement.
//
// Runs in the caller's transaction when one is present in ctx.
func (l *Ledger) ProcessMovement(ctx context.Context, tenantID, productID id.ID, quantityDelta int64, unitCost *types.MinorUnits, actor id.ID) (*Snapshot, error) {
	if quantityDelta == 0 {
		return nil, apperror.NewValidation("quantity delta must be non-zero")
	}

	var snap *Snapshot
	err := l.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		v, err := l.repo.GetForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		created := false
		if v == nil {
			if quantityDelta < 0 {
				return apperror.NewInsufficientValue(productID.String(), -quantityDelta, 0)
			}
			v = &Valuation{
				ID:        id.New(),
				TenantID:  tenantID,
				ProductID: productID,
				Method:    MethodWeightedAverage,
				Currency:  DefaultCurrency,
				CreatedAt: time.Now().UTC(),
			}
			created = true
		}

		var realized types.MinorUnits
		if quantityDelta > 0 {
			realized, err = l.applyInbound(ctx, v, quantityDelta, unitCost)
		} else {
			realized, err = l.applyOutbound(ctx, v, -quantityDelta)
		}
		if err != nil {
			return err
		}

		v.UpdatedAt = time.Now().UTC()
		v.UpdatedBy = actor
		if created {
			err = l.repo.Create(ctx, v)
		} else {
			err = l.repo.Update(ctx, v)
		}
		if err != nil {
			return err
		}

		if err := l.appendHistory(ctx, v, ChangeMovement, quantityDelta, "", actor); err != nil {
			return err
		}

		snap = snapshotOf(v, realized)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "valuation movement processed",
		"product_id", productID,
		"quantity_delta", quantityDelta,
		"total_quantity", snap.TotalQuantity,
		"total_value", snap.TotalValue,
	)
	return snap, nil
}

// applyInbound adds quantity and value per the costing method.
// Returns the value added by this receipt.
func (l *Ledger) applyInbound(ctx context.Context, v *Valuation, qty int64, unitCost *types.MinorUnits) (types.MinorUnits, error) {
	switch v.Method {
	case MethodFIFO:
		if unitCost == nil {
			return 0, apperror.NewValidation("unit cost is required for fifo receipt")
		}
		layerValue, err := types.MulMinor(*unitCost, qty)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		layer := &Layer{
			ID:         id.New(),
			TenantID:   v.TenantID,
			ProductID:  v.ProductID,
			Quantity:   qty,
			UnitCost:   *unitCost,
			TotalValue: layerValue,
			CreatedAt:  time.Now().UTC(),
		}
		if err := l.repo.InsertLayer(ctx, layer); err != nil {
			return 0, err
		}
		newValue, err := types.AddMinor(v.TotalValue, layerValue)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		v.TotalQuantity += qty
		v.TotalValue = newValue
		return layerValue, nil

	case MethodWeightedAverage:
		var cost types.MinorUnits
		if unitCost != nil {
			cost = *unitCost
		}
		added, err := types.MulMinor(cost, qty)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		newValue, err := types.AddMinor(v.TotalValue, added)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		newQty := v.TotalQuantity + qty
		newUnit, err := types.DivRoundHalfUp(newValue, newQty)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		v.TotalQuantity = newQty
		v.TotalValue = newValue
		v.UnitCost = &newUnit
		return added, nil

	case MethodStandard:
		var std types.MinorUnits
		if v.StandardCost != nil {
			std = *v.StandardCost
		}
		added, err := types.MulMinor(std, qty)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		newValue, err := types.AddMinor(v.TotalValue, added)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		v.TotalQuantity += qty
		v.TotalValue = newValue
		return added, nil
	}
	return 0, apperror.NewValidation("unknown valuation method: " + string(v.Method))
}

// applyOutbound removes quantity and value per the costing method.
// Returns the realized cost of the movement.
func (l *Ledger) applyOutbound(ctx context.Context, v *Valuation, magnitude int64) (types.MinorUnits, error) {
	if magnitude > v.TotalQuantity {
		return 0, apperror.NewInsufficientValue(v.ProductID.String(), magnitude, v.TotalQuantity)
	}

	switch v.Method {
	case MethodFIFO:
		realized, err := l.consumeLayers(ctx, v, magnitude)
		if err != nil {
			return 0, err
		}
		newValue, err := types.AddMinor(v.TotalValue, -realized)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		v.TotalQuantity -= magnitude
		v.TotalValue = newValue
		return realized, nil

	case MethodWeightedAverage, MethodStandard:
		var cost types.MinorUnits
		if v.Method == MethodStandard {
			if v.StandardCost != nil {
				cost = *v.StandardCost
			}
		} else if v.UnitCost != nil {
			cost = *v.UnitCost
		}
		removed, err := types.MulMinor(cost, magnitude)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		newValue, err := types.AddMinor(v.TotalValue, -removed)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		v.TotalQuantity -= magnitude
		v.TotalValue = newValue
		if v.TotalQuantity == 0 {
			// No quantity left to carry a blended cost. Drop any
			// rounding residue instead of dividing by zero later.
			v.TotalValue = 0
			if v.Method == MethodWeightedAverage {
				v.UnitCost = nil
			}
		}
		return removed, nil
	}
	return 0, apperror.NewValidation("unknown valuation method: " + string(v.Method))
}

// consumeLayers drains open layers oldest-first until the requested
// magnitude is satisfied. A layer exhausted exactly to zero quantity has
// its total value zeroed as well, so no rounding residue survives.
func (l *Ledger) consumeLayers(ctx context.Context, v *Valuation, magnitude int64) (types.MinorUnits, error) {
	layers, err := l.repo.OpenLayers(ctx, v.TenantID, v.ProductID)
	if err != nil {
		return 0, err
	}

	var realized types.MinorUnits
	remaining := magnitude
	for i := range layers {
		if remaining <= 0 {
			break
		}
		layer := &layers[i]

		if layer.Quantity <= remaining {
			// Full consumption takes the layer's entire remaining value.
			realized, err = types.AddMinor(realized, layer.TotalValue)
			if err != nil {
				return 0, apperror.NewInternal(err)
			}
			remaining -= layer.Quantity
			layer.Quantity = 0
			layer.TotalValue = 0
		} else {
			consumed, err := types.MulMinor(layer.UnitCost, remaining)
			if err != nil {
				return 0, apperror.NewInternal(err)
			}
			realized, err = types.AddMinor(realized, consumed)
			if err != nil {
				return 0, apperror.NewInternal(err)
			}
			layer.Quantity -= remaining
			newLayerValue, err := types.AddMinor(layer.TotalValue, -consumed)
			if err != nil {
				return 0, apperror.NewInternal(err)
			}
			layer.TotalValue = newLayerValue
			remaining = 0
		}

		if err := l.repo.UpdateLayer(ctx, layer); err != nil {
			return 0, err
		}
	}

	if remaining > 0 {
		// Layers out of sync with the aggregate quantity.
		return 0, apperror.NewInsufficientValue(v.ProductID.String(), magnitude, magnitude-remaining)
	}
	return realized, nil
}

// GetCurrentValue returns the total remaining value for a product.
// FIFO sums open layers; other methods multiply quantity by the
// effective cost.
func (l *Ledger) GetCurrentValue(ctx context.Context, tenantID, productID id.ID) (types.MinorUnits, error) {
	v, err := l.repo.Get(ctx, tenantID, productID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, apperror.NewNotFound("valuation", productID)
	}

	switch v.Method {
	case MethodFIFO:
		return l.repo.SumOpenLayerValue(ctx, tenantID, productID)
	case MethodStandard:
		var std types.MinorUnits
		if v.StandardCost != nil {
			std = *v.StandardCost
		}
		value, err := types.MulMinor(std, v.TotalQuantity)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		return value, nil
	default:
		var unit types.MinorUnits
		if v.UnitCost != nil {
			unit = *v.UnitCost
		}
		value, err := types.MulMinor(unit, v.TotalQuantity)
		if err != nil {
			return 0, apperror.NewInternal(err)
		}
		return value, nil
	}
}

// SetMethod switches the costing method for future movements. History
// is never recomputed retroactively.
func (l *Ledger) SetMethod(ctx context.Context, tenantID, productID id.ID, method Method, reason string, actor id.ID) (*Snapshot, error) {
	if !method.Valid() {
		return nil, apperror.NewValidation("unknown valuation method: " + string(method))
	}
	if reason == "" {
		return nil, apperror.NewValidation("reason is required")
	}

	var snap *Snapshot
	err := l.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		v, err := l.repo.GetForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		if v == nil {
			v = &Valuation{
				ID:        id.New(),
				TenantID:  tenantID,
				ProductID: productID,
				Method:    method,
				Currency:  DefaultCurrency,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
				UpdatedBy: actor,
			}
			if err := l.repo.Create(ctx, v); err != nil {
				return err
			}
		} else {
			v.Method = method
			v.UpdatedAt = time.Now().UTC()
			v.UpdatedBy = actor
			if err := l.repo.Update(ctx, v); err != nil {
				return err
			}
		}
		if err := l.appendHistory(ctx, v, ChangeMethodChange, 0, reason, actor); err != nil {
			return err
		}
		snap = snapshotOf(v, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "valuation method changed",
		"product_id", productID, "method", method, "reason", reason)
	return snap, nil
}

// SetStandardCost fixes the standard cost for a product. Under the
// standard method the total value is restated immediately.
func (l *Ledger) SetStandardCost(ctx context.Context, tenantID, productID id.ID, cost types.MinorUnits, reason string, actor id.ID) (*Snapshot, error) {
	if cost < 0 {
		return nil, apperror.NewValidation("standard cost must not be negative")
	}
	if reason == "" {
		return nil, apperror.NewValidation("reason is required")
	}

	var snap *Snapshot
	err := l.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		v, err := l.mustGetForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		v.StandardCost = &cost
		if v.Method == MethodStandard {
			restated, err := types.MulMinor(cost, v.TotalQuantity)
			if err != nil {
				return apperror.NewInternal(err)
			}
			v.TotalValue = restated
		}
		v.UpdatedAt = time.Now().UTC()
		v.UpdatedBy = actor
		if err := l.repo.Update(ctx, v); err != nil {
			return err
		}
		if err := l.appendHistory(ctx, v, ChangeCostAdjustment, 0, reason, actor); err != nil {
			return err
		}
		snap = snapshotOf(v, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "standard cost set",
		"product_id", productID, "standard_cost", cost, "reason", reason)
	return snap, nil
}

// AdjustCost overrides the current unit cost and restates total value.
func (l *Ledger) AdjustCost(ctx context.Context, tenantID, productID id.ID, newUnitCost types.MinorUnits, reason string, actor id.ID) (*Snapshot, error) {
	if newUnitCost < 0 {
		return nil, apperror.NewValidation("unit cost must not be negative")
	}
	if reason == "" {
		return nil, apperror.NewValidation("reason is required")
	}

	var snap *Snapshot
	err := l.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		v, err := l.mustGetForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		restated, err := types.MulMinor(newUnitCost, v.TotalQuantity)
		if err != nil {
			return apperror.NewInternal(err)
		}
		v.UnitCost = &newUnitCost
		v.TotalValue = restated
		v.UpdatedAt = time.Now().UTC()
		v.UpdatedBy = actor
		if err := l.repo.Update(ctx, v); err != nil {
			return err
		}
		if err := l.appendHistory(ctx, v, ChangeCostAdjustment, 0, reason, actor); err != nil {
			return err
		}
		snap = snapshotOf(v, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "unit cost adjusted",
		"product_id", productID, "unit_cost", newUnitCost, "reason", reason)
	return snap, nil
}

// Revalue restates the total value directly and re-derives the unit cost.
func (l *Ledger) Revalue(ctx context.Context, tenantID, productID id.ID, newTotalValue types.MinorUnits, reason string, actor id.ID) (*Snapshot, error) {
	if newTotalValue < 0 {
		return nil, apperror.NewValidation("total value must not be negative")
	}
	if reason == "" {
		return nil, apperror.NewValidation("reason is required")
	}

	var snap *Snapshot
	err := l.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		v, err := l.mustGetForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		v.TotalValue = newTotalValue
		if v.TotalQuantity > 0 {
			unit, err := types.DivRoundHalfUp(newTotalValue, v.TotalQuantity)
			if err != nil {
				return apperror.NewInternal(err)
			}
			v.UnitCost = &unit
		} else {
			v.UnitCost = nil
		}
		v.UpdatedAt = time.Now().UTC()
		v.UpdatedBy = actor
		if err := l.repo.Update(ctx, v); err != nil {
			return err
		}
		if err := l.appendHistory(ctx, v, ChangeRevaluation, 0, reason, actor); err != nil {
			return err
		}
		snap = snapshotOf(v, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "valuation restated",
		"product_id", productID, "total_value", newTotalValue, "reason", reason)
	return snap, nil
}

func (l *Ledger) mustGetForUpdate(ctx context.Context, tenantID, productID id.ID) (*Valuation, error) {
	v, err := l.repo.GetForUpdate(ctx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperror.NewNotFound("valuation", productID)
	}
	return v, nil
}

func (l *Ledger) appendHistory(ctx context.Context, v *Valuation, change ChangeType, quantityDelta int64, reason string, actor id.ID) error {
	return l.repo.AppendHistory(ctx, &HistoryEntry{
		ID:            id.New(),
		TenantID:      v.TenantID,
		ProductID:     v.ProductID,
		ChangeType:    change,
		Method:        v.Method,
		QuantityDelta: quantityDelta,
		TotalQuantity: v.TotalQuantity,
		TotalValue:    v.TotalValue,
		UnitCost:      v.UnitCost,
		StandardCost:  v.StandardCost,
		Reason:        reason,
		CreatedBy:     actor,
		CreatedAt:     time.Now().UTC(),
	})
}
