package protection

import (
	"context"
	"testing"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/internal/mock"
	"copytrade/internal/store"
	"copytrade/internal/trading/fanout"
	"copytrade/internal/trading/order"
	"copytrade/internal/trading/sizing"
	"copytrade/pkg/clientid"
	apperrors "copytrade/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

const symbol = "BTCUSDT"

type fixture struct {
	manager   *Manager
	store     *store.MemoryStore
	exchanges map[string]*mock.MockExchange
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(decimal.NewFromInt(2000)),
		exchanges: make(map[string]*mock.MockExchange),
	}
	accounts := make([]*account.Account, len(names))
	for i, n := range names {
		ex := mock.NewMockExchange(n)
		ex.SetPrice(symbol, decimal.NewFromInt(100))
		ex.SetLotDecimals(symbol, 3)
		f.exchanges[n] = ex
		accounts[i] = &account.Account{
			Index:    i,
			Name:     n,
			Exchange: ex,
			Executor: order.NewOrderExecutor(n, ex, sizing.NewSizer(decimal.Zero), core.MarginCrossed, &mockLogger{}),
		}
	}
	pool, err := account.NewPool(accounts)
	require.NoError(t, err)

	d := fanout.NewDispatcher(pool, mock.InlineRunner{}, nil, fanout.Options{BatchWait: time.Second}, &mockLogger{})
	f.manager = NewManager(d, f.store, &mockLogger{})
	return f
}

func (f *fixture) signal(t *testing.T) *core.Signal {
	t.Helper()
	s := &core.Signal{
		ID:       clientid.New(),
		Symbol:   symbol,
		Kind:     core.KindLong,
		Size:     core.Fixed(decimal.RequireFromString("1.5")),
		Leverage: 10,
		Status:   core.StatusOpen,
		Ladder: []core.Rung{
			{Price: decimal.NewFromInt(90), Percent: 50},
			{Price: decimal.NewFromInt(110), Percent: 50},
			{Price: decimal.NewFromInt(120), Percent: 0},
		},
		StopPrice: decimal.NewFromInt(95),
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateSignal(context.Background(), s))
	return s
}

func (f *fixture) fillEntry(t *testing.T, name string, s *core.Signal) {
	t.Helper()
	_, err := f.exchanges[name].PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        symbol,
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("1.5"),
		ClientOrderID: s.ID,
	})
	require.NoError(t, err)
}

func (f *fixture) restingOrder(t *testing.T, name, clientOrderID string, typ core.OrderType) {
	t.Helper()
	_, err := f.exchanges[name].PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        symbol,
		Side:          core.SideSell,
		Type:          typ,
		Quantity:      decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(95),
		StopPrice:     decimal.NewFromInt(95),
		ClientOrderID: clientOrderID,
	})
	require.NoError(t, err)
}

func waitBatch(t *testing.T, b *fanout.Batch) {
	t.Helper()
	require.True(t, b.Wait(context.Background(), 2*time.Second))
}

func TestPlaceLadderAndStop(t *testing.T) {
	f := newFixture(t, "a1", "a2", "a3")
	s := f.signal(t)
	f.fillEntry(t, "a1", s)
	f.fillEntry(t, "a2", s)

	targets := []*core.Target{
		{SignalID: s.ID, Number: 1, TargetID: "t1", Status: core.StatusOpen},
		{SignalID: s.ID, Number: 2, TargetID: "t2", Status: core.StatusOpen},
		{SignalID: s.ID, Number: 3, TargetID: "t3", Status: core.StatusOpen},
	}
	b := f.manager.PlaceLadderAndStop(context.Background(), s, targets)
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	for _, name := range []string{"a1", "a2"} {
		placed := f.exchanges[name].PlacedOrders()
		require.Len(t, placed, 3, name)

		stop := placed[1]
		assert.Equal(t, core.OrderTypeStopMarket, stop.Type)
		assert.Equal(t, clientid.StopLoss(s.ID), stop.ClientOrderID)
		assert.Equal(t, core.SideSell, stop.Side)
		assert.True(t, stop.ClosePosition)
		assert.True(t, stop.StopPrice.Equal(decimal.NewFromInt(95)))

		// rung 1 sits below the market fill and rung 3 has no size
		rung := placed[2]
		assert.Equal(t, "t2", rung.ClientOrderID)
		assert.Equal(t, core.OrderTypeLimit, rung.Type)
		assert.True(t, rung.ReduceOnly)
		assert.True(t, rung.Quantity.Equal(decimal.RequireFromString("0.75")))
		assert.True(t, rung.Price.Equal(decimal.NewFromInt(110)))
	}

	assert.Empty(t, f.exchanges["a3"].PlacedOrders())
	for _, r := range b.Results() {
		if r.Account == "a3" {
			assert.Equal(t, "entry not filled, nothing placed", r.Note)
		}
	}

	got, err := f.store.GetSignal(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, clientid.StopLoss(s.ID), got.StopClientOrderID)
	assert.NotZero(t, got.StopOrderID)
}

func TestPlaceLadderAndStop_PricedEntryKeepsLossSideRung(t *testing.T) {
	f := newFixture(t, "a1")
	s := f.signal(t)
	// a priced entry was placed at the operator's level, so no rung is
	// judged against the fill
	s.EntryPrice = decimal.NewFromInt(100)
	f.fillEntry(t, "a1", s)

	b := f.manager.PlaceLadderAndStop(context.Background(), s, []*core.Target{
		{SignalID: s.ID, Number: 1, TargetID: "t1", Status: core.StatusOpen},
		{SignalID: s.ID, Number: 2, TargetID: "t2", Status: core.StatusOpen},
	})
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	placed := f.exchanges["a1"].PlacedOrders()
	require.Len(t, placed, 4)
	assert.Equal(t, "t1", placed[2].ClientOrderID)
	assert.True(t, placed[2].Price.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, "t2", placed[3].ClientOrderID)
}

func TestPlaceLadderAndStop_LotPrecisionFailureIsolated(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	f.fillEntry(t, "a1", s)
	f.fillEntry(t, "a2", s)
	f.exchanges["a2"].SetError(mock.OpLotPrecision, assert.AnError)

	b := f.manager.PlaceLadderAndStop(context.Background(), s, []*core.Target{
		{SignalID: s.ID, Number: 2, TargetID: "t2", Status: core.StatusOpen},
	})
	waitBatch(t, b)

	failures := b.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "a2", failures[0].Account)
	assert.ErrorIs(t, failures[0].Err, assert.AnError)

	// the stop still went in on the failing account
	assert.Len(t, f.exchanges["a2"].PlacedOrders(), 2)
	assert.Len(t, f.exchanges["a1"].PlacedOrders(), 3)
}

func TestRollStop_CancelsLiveStops(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	s.StopClientOrderID = clientid.StopLoss(s.ID)
	f.restingOrder(t, "a1", s.StopClientOrderID, core.OrderTypeStopMarket)

	b := f.manager.RollStop(context.Background(), s, &core.Target{SignalID: s.ID, Number: 1, TargetID: "t1"})
	waitBatch(t, b)

	assert.Empty(t, b.Failures())
	assert.Equal(t, []string{s.StopClientOrderID}, f.exchanges["a1"].CanceledOrders())
	assert.Empty(t, f.exchanges["a2"].CanceledOrders())
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	s.StopClientOrderID = clientid.StopLoss(s.ID)

	f.fillEntry(t, "a1", s)
	f.restingOrder(t, "a1", s.StopClientOrderID, core.OrderTypeStopMarket)
	f.restingOrder(t, "a2", s.ID, core.OrderTypeStop)

	b := f.manager.ClosePosition(context.Background(), s)
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	a1 := f.exchanges["a1"]
	pos, err := a1.GetPosition(context.Background(), symbol)
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero())
	placed := a1.PlacedOrders()
	flat := placed[len(placed)-1]
	assert.Equal(t, core.OrderTypeMarket, flat.Type)
	assert.Equal(t, core.SideSell, flat.Side)
	assert.True(t, flat.ReduceOnly)
	assert.True(t, flat.Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, []string{s.StopClientOrderID}, a1.CanceledOrders())

	assert.Equal(t, []string{s.ID}, f.exchanges["a2"].CanceledOrders())
}

func TestClosePosition_StepsAreIndependent(t *testing.T) {
	f := newFixture(t, "a1")
	s := f.signal(t)
	s.StopClientOrderID = clientid.StopLoss(s.ID)
	f.restingOrder(t, "a1", s.StopClientOrderID, core.OrderTypeStopMarket)
	f.exchanges["a1"].SetError(mock.OpPosition, assert.AnError)

	b := f.manager.ClosePosition(context.Background(), s)
	waitBatch(t, b)

	require.Len(t, b.Failures(), 1)
	assert.ErrorIs(t, b.Failures()[0].Err, assert.AnError)
	assert.Equal(t, []string{s.StopClientOrderID}, f.exchanges["a1"].CanceledOrders())
}

func TestCloseTargets_SkipsFilled(t *testing.T) {
	f := newFixture(t, "a1")
	s := f.signal(t)
	f.restingOrder(t, "a1", "t1", core.OrderTypeLimit)
	f.restingOrder(t, "a1", "t2", core.OrderTypeLimit)
	require.NoError(t, f.exchanges["a1"].SetOrderStatus("t2", core.OrderStatusFilled))

	b := f.manager.CloseTargets(context.Background(), s, []*core.Target{
		{SignalID: s.ID, Number: 1, TargetID: "t1"},
		{SignalID: s.ID, Number: 2, TargetID: "t2"},
		{SignalID: s.ID, Number: 3, TargetID: "t3"},
	})
	waitBatch(t, b)

	assert.Empty(t, b.Failures())
	assert.Equal(t, []string{"t1"}, f.exchanges["a1"].CanceledOrders())
	assert.Equal(t, "1 targets canceled", b.Results()[0].Note)
}

func TestRollingStop_MovesStopToFill(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	s.StopClientOrderID = clientid.StopLoss(s.ID)
	f.fillEntry(t, "a1", s)
	f.restingOrder(t, "a1", s.StopClientOrderID, core.OrderTypeStopMarket)

	b := f.manager.RollingStop(context.Background(), s)
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	a1 := f.exchanges["a1"]
	assert.Equal(t, []string{s.StopClientOrderID}, a1.CanceledOrders())
	placed := a1.PlacedOrders()
	stop := placed[len(placed)-1]
	assert.Equal(t, s.ID+"_stoploss100", stop.ClientOrderID)
	assert.True(t, stop.StopPrice.Equal(decimal.NewFromInt(100)))

	assert.Empty(t, f.exchanges["a2"].PlacedOrders())
	for _, r := range b.Results() {
		if r.Account == "a2" {
			assert.Equal(t, "order not placed yet", r.Note)
		}
	}

	got, err := f.store.GetSignal(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID+"_stoploss100", got.StopClientOrderID)
}

func TestSetManualTarget(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	f.fillEntry(t, "a1", s)

	b, err := f.manager.SetManualTarget(context.Background(), s, decimal.NewFromInt(130), "manual1")
	require.NoError(t, err)
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	placed := f.exchanges["a1"].PlacedOrders()
	tgt := placed[len(placed)-1]
	assert.Equal(t, "manual1", tgt.ClientOrderID)
	assert.True(t, tgt.ReduceOnly)
	assert.True(t, tgt.Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.Empty(t, f.exchanges["a2"].PlacedOrders())
}

func TestSetManualTarget_ReferenceWithoutEntryAborts(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	f.fillEntry(t, "a2", s)

	b, err := f.manager.SetManualTarget(context.Background(), s, decimal.NewFromInt(130), "manual1")
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Len(t, b.Failures(), 2)
	assert.Len(t, f.exchanges["a2"].PlacedOrders(), 1, "only the entry")
}

func TestSetManualStop_PersistsFirstSuccess(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	s := f.signal(t)
	id := clientid.ManualStopLoss()

	b := f.manager.SetManualStop(context.Background(), s, decimal.NewFromInt(90), id)
	waitBatch(t, b)
	assert.Empty(t, b.Failures())

	for _, ex := range f.exchanges {
		require.Len(t, ex.PlacedOrders(), 1)
		assert.Equal(t, id, ex.PlacedOrders()[0].ClientOrderID)
	}
	got, err := f.store.GetSignal(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.StopClientOrderID)
}
