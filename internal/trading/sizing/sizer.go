// Package sizing converts a signal's size request into an exchange quantity
package sizing

import (
	"context"
	"fmt"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// DefaultMaxAllocation is the share of balance*leverage committed by a "Max" size
var DefaultMaxAllocation = decimal.NewFromFloat(0.4)

// Input carries everything a sizing decision depends on
type Input struct {
	Spec        core.SizeSpec
	Balance     decimal.Decimal
	Leverage    int
	Price       decimal.Decimal
	RiskCap     decimal.Decimal // notional ceiling for percent sizes, zero disables
	LotDecimals int32
}

// Quantity applies the size policy. Fixed sizes are returned untouched; the
// other variants derive a notional from balance*leverage, divide by price and
// truncate at the lot precision.
func Quantity(in Input, maxAllocation decimal.Decimal) (decimal.Decimal, error) {
	if in.Spec.Kind == core.SizeFixed {
		if !in.Spec.Quantity.IsPositive() {
			return decimal.Zero, apperrors.Validationf("fixed size must be positive")
		}
		return in.Spec.Quantity, nil
	}

	if !in.Price.IsPositive() {
		return decimal.Zero, apperrors.Validationf("price must be positive for %s sizing", in.Spec)
	}
	if in.Leverage <= 0 {
		return decimal.Zero, apperrors.Validationf("leverage must be positive")
	}

	exposure := in.Balance.Mul(decimal.NewFromInt(int64(in.Leverage)))
	var notional decimal.Decimal
	switch in.Spec.Kind {
	case core.SizeMax:
		notional = exposure.Mul(maxAllocation)
	case core.SizePercent:
		notional = tradingutils.PercentOf(exposure, in.Spec.Percent)
		if in.RiskCap.IsPositive() && notional.GreaterThan(in.RiskCap) {
			notional = in.RiskCap
		}
	default:
		return decimal.Zero, apperrors.Validationf("unknown size kind %d", in.Spec.Kind)
	}

	return tradingutils.TruncateQuantity(notional.Div(in.Price), in.LotDecimals), nil
}

// Sizer resolves the account-dependent inputs and applies Quantity
type Sizer struct {
	maxAllocation decimal.Decimal
}

func NewSizer(maxAllocation decimal.Decimal) *Sizer {
	if !maxAllocation.IsPositive() {
		maxAllocation = DefaultMaxAllocation
	}
	return &Sizer{maxAllocation: maxAllocation}
}

// Size computes the entry quantity of signal for one account. Market entries
// are sized at the current price, others at the entry price.
func (s *Sizer) Size(ctx context.Context, ex core.IExchange, signal *core.Signal, riskCap decimal.Decimal) (decimal.Decimal, error) {
	if signal.Size.Kind == core.SizeFixed {
		return Quantity(Input{Spec: signal.Size}, s.maxAllocation)
	}

	balance, err := ex.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}

	price := signal.EntryPrice
	if signal.IsMarket() {
		price, err = ex.GetPrice(ctx, signal.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("get price: %w", err)
		}
	}

	lot, err := ex.GetLotPrecision(ctx, signal.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	return Quantity(Input{
		Spec:        signal.Size,
		Balance:     balance,
		Leverage:    signal.Leverage,
		Price:       price,
		RiskCap:     riskCap,
		LotDecimals: lot,
	}, s.maxAllocation)
}

// LotDecimalsFromTrade derives the lot precision from the quantity text of the
// most recent trade. An empty string means no trade data.
func LotDecimalsFromTrade(lastQty string) (int32, error) {
	if lastQty == "" {
		return 0, apperrors.ErrInsufficientPrecision
	}
	places, err := tradingutils.DecimalPlaces(lastQty)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInsufficientPrecision, err)
	}
	return places, nil
}
