package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the direction of a signal
type Kind string

const (
	KindLong  Kind = "long"
	KindShort Kind = "short"
)

// Valid reports whether k is a known direction
func (k Kind) Valid() bool {
	return k == KindLong || k == KindShort
}

// EntrySide returns the side used to open a position of this kind
func (k Kind) EntrySide() OrderSide {
	if k == KindShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide returns the side used to reduce or close a position of this kind
func (k Kind) ExitSide() OrderSide {
	if k == KindShort {
		return SideBuy
	}
	return SideSell
}

// Status is the lifecycle status shared by signals and targets
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClose    Status = "CLOSE"
	StatusCanceled Status = "CANCELED"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// MarginMode is the futures margin type applied before entry
type MarginMode string

const (
	MarginCrossed  MarginMode = "CROSSED"
	MarginIsolated MarginMode = "ISOLATED"
)

// IncomeRealizedPnL is the income type summed for pnl reports
const IncomeRealizedPnL = "REALIZED_PNL"

// SizeKind tags the variant held by a SizeSpec
type SizeKind int

const (
	SizeFixed SizeKind = iota
	SizePercent
	SizeMax
)

// SizeSpec is a position size request. Exactly one variant is meaningful:
// Fixed uses Quantity, Percent uses Percent, Max uses neither.
type SizeSpec struct {
	Kind     SizeKind
	Quantity decimal.Decimal
	Percent  int
}

func Fixed(qty decimal.Decimal) SizeSpec { return SizeSpec{Kind: SizeFixed, Quantity: qty} }

func PercentOfBalance(pct int) SizeSpec { return SizeSpec{Kind: SizePercent, Percent: pct} }

func MaxAllocation() SizeSpec { return SizeSpec{Kind: SizeMax} }

// ParseSizeSpec decodes the textual forms "Max", "<int>%" and a literal quantity.
func ParseSizeSpec(s string) (SizeSpec, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "max"):
		return MaxAllocation(), nil
	case strings.HasSuffix(s, "%"):
		pct, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid percent size %q: %w", s, err)
		}
		if pct <= 0 || pct > 100 {
			return SizeSpec{}, fmt.Errorf("percent size %d out of range (0,100]", pct)
		}
		return PercentOfBalance(pct), nil
	default:
		qty, err := decimal.NewFromString(s)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid quantity size %q: %w", s, err)
		}
		if !qty.IsPositive() {
			return SizeSpec{}, fmt.Errorf("quantity size must be positive, got %s", s)
		}
		return Fixed(qty), nil
	}
}

func (s SizeSpec) String() string {
	switch s.Kind {
	case SizeMax:
		return "Max"
	case SizePercent:
		return fmt.Sprintf("%d%%", s.Percent)
	default:
		return s.Quantity.String()
	}
}

// Rung is one (price, percent) step of a take-profit ladder
type Rung struct {
	Price   decimal.Decimal `json:"price"`
	Percent int             `json:"percent"`
}

// Signal is one trading decision replicated across every account
type Signal struct {
	ID                string
	Symbol            string
	Kind              Kind
	EntryPrice        decimal.Decimal // zero means market entry
	Size              SizeSpec
	Leverage          int
	Status            Status
	Ladder            []Rung
	StopPrice         decimal.Decimal // zero means no stop
	StopOrderID       int64
	StopClientOrderID string
	CreatedAt         time.Time
}

func (s *Signal) IsMarket() bool {
	return s.EntryPrice.IsZero()
}

func (s *Signal) HasStop() bool {
	return !s.StopPrice.IsZero()
}

// Target is one rung of a signal's take-profit ladder
type Target struct {
	SignalID string
	Number   int // 1-based rung, 0 for manually added targets
	TargetID string
	Status   Status
}

// Settings holds process-wide operator tunables
type Settings struct {
	LimitBalance decimal.Decimal
}

// OrderRequest is an exchange-neutral order placement request
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
	ClosePosition bool
	PriceProtect  bool
}

// Order is the remote view of an order
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	UpdateTime    int64
}

// IsOpen reports whether the order can still execute
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// FillPrice returns the average fill price, falling back to the limit price
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsZero() {
		return o.Price
	}
	return o.AvgPrice
}

// Position is a per-symbol position snapshot of one account
type Position struct {
	Symbol           string
	Quantity         decimal.Decimal // signed, negative for shorts
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         int
}

// Income is one row of an account's income history
type Income struct {
	Symbol     string
	IncomeType string
	Amount     decimal.Decimal
	Time       time.Time
}
