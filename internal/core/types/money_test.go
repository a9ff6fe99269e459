package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMinor(t *testing.T) {
	sum, err := AddMinor(100, -40)
	require.NoError(t, err)
	assert.Equal(t, MinorUnits(60), sum)

	_, err = AddMinor(math.MaxInt64, 1)
	assert.Error(t, err)

	_, err = AddMinor(math.MinInt64, -1)
	assert.Error(t, err)
}

func TestMulMinor(t *testing.T) {
	product, err := MulMinor(125, 4)
	require.NoError(t, err)
	assert.Equal(t, MinorUnits(500), product)

	_, err = MulMinor(math.MaxInt64, 2)
	assert.Error(t, err)
}

func TestDivRoundHalfUp(t *testing.T) {
	tests := []struct {
		name  string
		value MinorUnits
		qty   int64
		want  MinorUnits
	}{
		{"exact", 1000, 10, 100},
		{"rounds down below half", 100, 3, 33},
		{"rounds up at half", 101, 2, 51},
		{"rounds up above half", 200, 3, 67},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DivRoundHalfUp(tt.value, tt.qty)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DivRoundHalfUp(100, 0)
	assert.Error(t, err)
}
