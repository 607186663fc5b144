package mock

import (
	"context"
	"testing"
	"time"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimit(clientID string, qty float64) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		Quantity:      decimal.NewFromFloat(qty),
		Price:         decimal.NewFromInt(100),
		ClientOrderID: clientID,
	}
}

// A client order id can only be used once per account
func TestMockExchange_DuplicateClientOrderID(t *testing.T) {
	ex := NewMockExchange("test")
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, newLimit("client-123", 1))
	require.NoError(t, err)

	_, err = ex.PlaceOrder(ctx, newLimit("client-123", 1))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
	assert.Len(t, ex.PlacedOrders(), 1)
}

func TestMockExchange_GetOrderAbsent(t *testing.T) {
	ex := NewMockExchange("test")
	o, err := ex.GetOrder(context.Background(), "BTCUSDT", "missing")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestMockExchange_MarketFillMovesPosition(t *testing.T) {
	ex := NewMockExchange("test")
	ctx := context.Background()
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	o, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeMarket,
		Quantity: decimal.NewFromInt(2), ClientOrderID: "short",
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, o.Status)

	pos, err := ex.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)))

	// reduce-only cannot flip the position
	_, err = ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket,
		Quantity: decimal.NewFromInt(5), ReduceOnly: true, ClientOrderID: "flat",
	})
	require.NoError(t, err)
	pos, err = ex.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero())
}

func TestMockExchange_CancelOnlyOpenOrders(t *testing.T) {
	ex := NewMockExchange("test")
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, newLimit("resting", 1))
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", "resting", 0))
	assert.ErrorIs(t, ex.CancelOrder(ctx, "BTCUSDT", "resting", 0), apperrors.ErrOrderNotFound)
	assert.Equal(t, []string{"resting"}, ex.CanceledOrders())
}

func TestMockExchange_MarginModeUnchanged(t *testing.T) {
	ex := NewMockExchange("test")
	ctx := context.Background()
	require.NoError(t, ex.SetMarginMode(ctx, "BTCUSDT", core.MarginCrossed))
	assert.ErrorIs(t, ex.SetMarginMode(ctx, "BTCUSDT", core.MarginCrossed), apperrors.ErrMarginModeUnchanged)
}

func TestMockExchange_LotPrecisionRequiresTrades(t *testing.T) {
	ex := NewMockExchange("test")
	_, err := ex.GetLotPrecision(context.Background(), "NEWUSDT")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPrecision)
}

func TestMockExchange_IncomeHistoryWindow(t *testing.T) {
	ex := NewMockExchange("test")
	now := time.Now()
	ex.AddIncome(&core.Income{Symbol: "BTCUSDT", IncomeType: core.IncomeRealizedPnL, Amount: decimal.NewFromInt(5), Time: now.Add(-time.Hour)})
	ex.AddIncome(&core.Income{Symbol: "BTCUSDT", IncomeType: core.IncomeRealizedPnL, Amount: decimal.NewFromInt(7), Time: now.Add(-48 * time.Hour)})
	ex.AddIncome(&core.Income{Symbol: "ETHUSDT", IncomeType: core.IncomeRealizedPnL, Amount: decimal.NewFromInt(9), Time: now.Add(-time.Hour)})

	rows, err := ex.GetIncomeHistory(context.Background(), "BTCUSDT", core.IncomeRealizedPnL, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(5)))
}

func TestMockExchange_InjectedError(t *testing.T) {
	ex := NewMockExchange("test")
	ex.SetError(OpBalance, apperrors.ErrNetwork)
	_, err := ex.GetBalance(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)

	ex.SetError(OpBalance, nil)
	bal, err := ex.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10000)))
}
