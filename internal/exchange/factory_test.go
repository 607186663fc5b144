package exchange

import (
	"context"
	"testing"

	"copytrade/internal/config"
	"copytrade/internal/core"
	"copytrade/internal/exchange/binance"

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

func TestNewFactory_PaperSeedsMarket(t *testing.T) {
	cfg := config.DefaultConfig()
	factory, err := NewFactory(cfg, &mockLogger{})
	require.NoError(t, err)

	ex, err := factory(cfg.Accounts[0], cfg.Proxies[0])
	require.NoError(t, err)
	assert.Equal(t, "account1", ex.GetName())

	price, err := ex.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3000).Equal(price))

	decimals, err := ex.GetLotPrecision(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(3), decimals)

	balance, err := ex.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10000).Equal(balance))
}

func TestNewFactory_Binance(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Exchange = "binance"
	factory, err := NewFactory(cfg, &mockLogger{})
	require.NoError(t, err)

	ex, err := factory(cfg.Accounts[0], "10.0.0.1:3128")
	require.NoError(t, err)
	assert.IsType(t, &binance.BinanceExchange{}, ex)
}

func TestNewFactory_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Exchange = "kraken"
	_, err := NewFactory(cfg, &mockLogger{})
	assert.Error(t, err)
}

func TestLimiterSet_SharedPerProxy(t *testing.T) {
	s := newLimiterSet(10, 5)
	assert.Same(t, s.get("p1"), s.get("p1"))
	assert.NotSame(t, s.get("p1"), s.get("p2"))
}
