package tradingutils

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// TruncateQuantity cuts qty toward zero at the given number of decimals; it never rounds up
func TruncateQuantity(qty decimal.Decimal, decimals int32) decimal.Decimal {
	return qty.Truncate(decimals)
}

// DecimalPlaces returns the significant fractional digits of a quantity string.
// "0.010" -> 2, "12.000" -> 0, "3" -> 0.
func DecimalPlaces(qty string) (int32, error) {
	d, err := decimal.NewFromString(qty)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", qty, err)
	}
	for places := int32(0); places < 18; places++ {
		if d.Equal(d.Truncate(places)) {
			return places, nil
		}
	}
	return 18, nil
}

// PercentOf returns value * pct / 100
func PercentOf(value decimal.Decimal, pct int) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(int64(pct))).Div(hundred)
}

// IsProfitSide reports whether exiting at price does not realize a loss against entry.
// Longs profit above entry, shorts below. Equal prices count as profitable.
func IsProfitSide(isLong bool, entry, price decimal.Decimal) bool {
	if isLong {
		return price.GreaterThanOrEqual(entry)
	}
	return price.LessThanOrEqual(entry)
}

// LeveragedPnLPercent is the return on margin for a position moving from entry to mark
func LeveragedPnLPercent(isLong bool, entry, mark decimal.Decimal, leverage int) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := mark.Div(entry).Sub(decimal.NewFromInt(1))
	if !isLong {
		move = move.Neg()
	}
	return move.Mul(decimal.NewFromInt(int64(leverage))).Mul(hundred).Round(2)
}

// Margin is the collateral backing |qty| at mark with the given leverage
func Margin(qty, mark decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return qty.Abs().Mul(mark).Div(decimal.NewFromInt(int64(leverage))).Round(4)
}
