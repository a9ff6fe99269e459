package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/document"
	"stockcore/internal/domain/stock"
)

func TestExtractDBColumns(t *testing.T) {
	cols := ExtractDBColumns[stock.Level]()

	expected := []string{
		"tenant_id", "product_id", "warehouse_id",
		"available_quantity", "reserved_quantity", "updated_at",
	}
	assert.Equal(t, expected, cols)
}

func TestExtractDBColumns_SkipsIgnoredFields(t *testing.T) {
	cols := ExtractDBColumns[document.Document]()

	// Lines is db:"-" and must never reach SQL.
	assert.NotContains(t, cols, "-")
	assert.Contains(t, cols, "doc_type")
	assert.Contains(t, cols, "posted_at")
	assert.Len(t, cols, 11)
}

func TestStructToMap(t *testing.T) {
	now := time.Now().UTC()
	cost := types.MinorUnits(250)
	move := stock.Move{
		ID:             id.New(),
		TenantID:       id.New(),
		ProductID:      id.New(),
		WarehouseID:    id.New(),
		Type:           stock.MoveReceipt,
		Quantity:       10,
		UnitCost:       &cost,
		ReferenceType:  "document",
		ReferenceID:    id.New(),
		IdempotencyKey: "doc:a:b",
		CreatedBy:      id.New(),
		CreatedAt:      now,
	}

	m := StructToMap(move)

	assert.Equal(t, move.ID, m["id"])
	assert.Equal(t, stock.MoveReceipt, m["move_type"])
	assert.Equal(t, int64(10), m["quantity"])
	assert.Equal(t, &cost, m["unit_cost"])
	assert.Equal(t, "doc:a:b", m["idempotency_key"])
	assert.Equal(t, now, m["created_at"])
}

func TestStructToMap_IgnoredFieldsAndPointers(t *testing.T) {
	doc := &document.Document{
		ID:       id.New(),
		TenantID: id.New(),
		Type:     document.TypeReceipt,
		Number:   "RCV-2026-00001",
		Status:   document.StatusDraft,
		Lines:    []document.Line{{LineNo: 1}},
	}

	m := StructToMap(doc)

	assert.Equal(t, doc.Number, m["number"])
	assert.NotContains(t, m, "lines")
	assert.NotContains(t, m, "-")
	assert.Len(t, m, 11)
}
