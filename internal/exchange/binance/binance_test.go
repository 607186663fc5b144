package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
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

func TestMapError(t *testing.T) {
	tests := []struct {
		code int64
		want error
	}{
		{-2013, apperrors.ErrOrderNotFound},
		{-2011, apperrors.ErrOrderNotFound},
		{-4046, apperrors.ErrMarginModeUnchanged},
		{-2015, apperrors.ErrAuthenticationFailed},
		{-2019, apperrors.ErrInsufficientFunds},
		{-1003, apperrors.ErrRateLimitExceeded},
		{-1001, apperrors.ErrSystemOverload},
		{-1021, apperrors.ErrTimestampOutOfBounds},
		{-1121, apperrors.ErrInvalidSymbol},
		{-4116, apperrors.ErrDuplicateOrder},
		{-1111, apperrors.ErrInvalidOrderParameter},
		{-2021, apperrors.ErrOrderRejected},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := MapError(&common.APIError{Code: tt.code, Message: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	unknown := MapError(&common.APIError{Code: -9999, Message: "odd"})
	assert.EqualError(t, unknown, "binance error -9999: odd")

	assert.ErrorIs(t, MapError(io.ErrUnexpectedEOF), apperrors.ErrNetwork)
	assert.NoError(t, MapError(nil))

	plain := errors.New("plain")
	assert.Equal(t, plain, MapError(plain))
}

func TestProxyURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:3128", ProxyURL("10.0.0.1:3128"))
	assert.Equal(t, "socks5://10.0.0.1:1080", ProxyURL("socks5://10.0.0.1:1080"))
}

func newTestExchange(t *testing.T, handler http.HandlerFunc) *BinanceExchange {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewBinanceExchange("acct1", "key", "secret", "", Options{
		BaseURL:        server.URL,
		RequestTimeout: 2 * time.Second,
	}, &mockLogger{})
}

func TestGetOrder_FiltersByClientID(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/allOrders"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","orderId":1,"clientOrderId":"other","price":"0","origQty":"1","executedQty":"1","avgPrice":"100","status":"FILLED","type":"MARKET","side":"BUY","updateTime":1},
			{"symbol":"BTCUSDT","orderId":2,"clientOrderId":"sig1","price":"95.5","origQty":"0.250","executedQty":"0.250","avgPrice":"95.4","status":"FILLED","type":"LIMIT","side":"BUY","updateTime":2}
		]`))
	})

	order, err := ex.GetOrder(context.Background(), "BTCUSDT", "sig1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, int64(2), order.OrderID)
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.True(t, decimal.RequireFromString("95.4").Equal(order.AvgPrice))
	assert.True(t, decimal.RequireFromString("0.25").Equal(order.OrigQty))

	missing, err := ex.GetOrder(context.Background(), "BTCUSDT", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPlaceOrder_MapsRejection(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})

	_, err := ex.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.01"),
		ClientOrderID: "sig1",
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestPlaceOrder_StopSendsClosePosition(t *testing.T) {
	var form string
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form = r.URL.RawQuery + "&" + string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"clientOrderId":"sig1_stoploss","price":"0","origQty":"0","executedQty":"0","status":"NEW","type":"STOP_MARKET","side":"SELL","stopPrice":"90","updateTime":3}`))
	})

	order, err := ex.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.SideSell,
		Type:          core.OrderTypeStopMarket,
		StopPrice:     decimal.NewFromInt(90),
		ClientOrderID: "sig1_stoploss",
		ClosePosition: true,
		PriceProtect:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), order.OrderID)
	assert.Contains(t, form, "closePosition=true")
	assert.Contains(t, form, "stopPrice=90")
	assert.NotContains(t, form, "quantity=")
}

func TestGetLotPrecision_FromRecentTrade(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"price":"60000.1","qty":"0.012","quoteQty":"720","time":1,"isBuyerMaker":true}]`))
	})

	decimals, err := ex.GetLotPrecision(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(3), decimals)
}

func TestGetLotPrecision_NoTrades(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := ex.GetLotPrecision(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPrecision)
}
