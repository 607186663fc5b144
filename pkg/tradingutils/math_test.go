package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTruncateQuantity_NeverRoundsUp(t *testing.T) {
	assert.True(t, d("0.129").Equal(TruncateQuantity(d("0.1299999"), 3)))
	assert.True(t, d("1").Equal(TruncateQuantity(d("1.99"), 0)))
	assert.True(t, d("-0.12").Equal(TruncateQuantity(d("-0.129"), 2)))
}

func TestDecimalPlaces(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"0.010", 2},
		{"12.000", 0},
		{"3", 0},
		{"0.001", 3},
		{"150.5", 1},
	}
	for _, tt := range tests {
		got, err := DecimalPlaces(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := DecimalPlaces("abc")
	assert.Error(t, err)
}

func TestIsProfitSide(t *testing.T) {
	assert.True(t, IsProfitSide(true, d("50500"), d("52000")))
	assert.False(t, IsProfitSide(true, d("50500"), d("50000")))
	assert.True(t, IsProfitSide(false, d("50500"), d("50000")))
	assert.False(t, IsProfitSide(false, d("50500"), d("51000")))
}

func TestLeveragedPnLPercent(t *testing.T) {
	assert.True(t, d("20").Equal(LeveragedPnLPercent(true, d("100"), d("102"), 10)))
	assert.True(t, d("20").Equal(LeveragedPnLPercent(false, d("100"), d("98"), 10)))
	assert.True(t, decimal.Zero.Equal(LeveragedPnLPercent(true, decimal.Zero, d("98"), 10)))
}

func TestMargin(t *testing.T) {
	assert.True(t, d("50").Equal(Margin(d("-0.01"), d("50000"), 10)))
}
