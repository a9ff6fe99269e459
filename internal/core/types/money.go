// Package types provides common type aliases and utilities.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnits is a monetary amount in the currency's smallest unit (cents).
//
// Rationale:
// - Matches Postgres BIGINT storage without floating point errors
// - All ledger arithmetic is integer with explicit rounding at division
type MinorUnits int64

// Decimal converts the amount to a decimal value for display or math
// that needs explicit rounding control.
func (m MinorUnits) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m))
}

func (m MinorUnits) Int64() int64 { return int64(m) }

func (m MinorUnits) IsZero() bool { return m == 0 }

func (m MinorUnits) IsNegative() bool { return m < 0 }

// String renders the raw minor-unit amount.
func (m MinorUnits) String() string {
	return fmt.Sprintf("%d", int64(m))
}

// AddMinor returns a+b, failing on int64 overflow.
func AddMinor(a, b MinorUnits) (MinorUnits, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("minor units overflow: %d + %d", a, b)
	}
	return sum, nil
}

// MulMinor returns unit cost × quantity, failing on int64 overflow.
func MulMinor(cost MinorUnits, qty int64) (MinorUnits, error) {
	product := cost.Decimal().Mul(decimal.NewFromInt(qty))
	if !product.BigInt().IsInt64() {
		return 0, fmt.Errorf("minor units overflow: %d * %d", cost, qty)
	}
	return MinorUnits(product.IntPart()), nil
}

// DivRoundHalfUp divides a total value by a quantity and rounds the result
// half-up to the nearest minor unit. Quantity must be non-zero.
func DivRoundHalfUp(value MinorUnits, qty int64) (MinorUnits, error) {
	if qty == 0 {
		return 0, fmt.Errorf("division by zero quantity")
	}
	// DivRound rounds half away from zero, which is half-up for the
	// non-negative operands the valuation ledger produces.
	q := value.Decimal().DivRound(decimal.NewFromInt(qty), 0)
	if !q.BigInt().IsInt64() {
		return 0, fmt.Errorf("minor units overflow: %d / %d", value, qty)
	}
	return MinorUnits(q.IntPart()), nil
}
