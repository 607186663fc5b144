package operator

import (
	"context"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Balance is one account's USDT wallet balance
type Balance struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
	Error   string          `json:"error,omitempty"`
}

// PositionView is one account's position on a symbol
type PositionView struct {
	Account          string          `json:"account"`
	Found            bool            `json:"found"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent       decimal.Decimal `json:"pnl_percent"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Error            string          `json:"error,omitempty"`
}

// PnLView sums one account's realized pnl over trailing windows
type PnLView struct {
	Account string          `json:"account"`
	Day     decimal.Decimal `json:"day"`
	Week    decimal.Decimal `json:"week"`
	Month   decimal.Decimal `json:"month"`
	Error   string          `json:"error,omitempty"`
}

// Balances reads every account's balance
func (s *Service) Balances(ctx context.Context) []Balance {
	out := make([]Balance, s.pool.Len())
	s.forEachAccount(ctx, func(ctx context.Context, i int, acc *account.Account) {
		out[i].Account = acc.Name
		b, err := acc.Exchange.GetBalance(ctx)
		if err != nil {
			out[i].Error = err.Error()
			return
		}
		out[i].Balance = b
	})
	return out
}

// Positions reads every account's position on symbol. An account with no
// position reports Found false.
func (s *Service) Positions(ctx context.Context, symbol string) []PositionView {
	out := make([]PositionView, s.pool.Len())
	s.forEachAccount(ctx, func(ctx context.Context, i int, acc *account.Account) {
		out[i].Account = acc.Name
		pos, err := acc.Exchange.GetPosition(ctx, symbol)
		if err != nil {
			out[i].Error = err.Error()
			return
		}
		if pos == nil || pos.EntryPrice.IsZero() {
			return
		}
		long := pos.Quantity.IsPositive()
		out[i] = PositionView{
			Account:          acc.Name,
			Found:            true,
			Quantity:         pos.Quantity,
			EntryPrice:       pos.EntryPrice,
			MarkPrice:        pos.MarkPrice,
			UnrealizedPnL:    pos.UnrealizedPnL,
			PnLPercent:       tradingutils.LeveragedPnLPercent(long, pos.EntryPrice, pos.MarkPrice, pos.Leverage),
			Margin:           tradingutils.Margin(pos.Quantity, pos.MarkPrice, pos.Leverage),
			LiquidationPrice: pos.LiquidationPrice,
		}
	})
	return out
}

// PnL sums realized pnl on symbol for the last day, 7 days and 30 days
func (s *Service) PnL(ctx context.Context, symbol string) []PnLView {
	now := time.Now()
	dayStart := now.AddDate(0, 0, -1)
	weekStart := now.AddDate(0, 0, -7)
	monthStart := now.AddDate(0, 0, -30)

	out := make([]PnLView, s.pool.Len())
	s.forEachAccount(ctx, func(ctx context.Context, i int, acc *account.Account) {
		out[i].Account = acc.Name
		rows, err := acc.Exchange.GetIncomeHistory(ctx, symbol, core.IncomeRealizedPnL, monthStart, now)
		if err != nil {
			out[i].Error = err.Error()
			return
		}
		for _, r := range rows {
			if r.Time.Before(monthStart) {
				continue
			}
			out[i].Month = out[i].Month.Add(r.Amount)
			if !r.Time.Before(weekStart) {
				out[i].Week = out[i].Week.Add(r.Amount)
			}
			if !r.Time.Before(dayStart) {
				out[i].Day = out[i].Day.Add(r.Amount)
			}
		}
	})
	return out
}
