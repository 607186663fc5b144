// Package binance provides Binance USDT-M futures connectivity for one account
package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"copytrade/internal/core"
	"copytrade/internal/trading/sizing"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/telemetry"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const quoteAsset = "USDT"

// Options tunes one account's client
type Options struct {
	Testnet        bool
	RequestTimeout time.Duration
	// Limiter is shared by every account behind the same proxy
	Limiter *rate.Limiter
	// BaseURL overrides the REST endpoint
	BaseURL string
}

// BinanceExchange implements core.IExchange over one futures account
type BinanceExchange struct {
	name     string
	proxy    string
	client   *futures.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	pipeline failsafe.Executor[any]
	logger   core.ILogger
}

// NewBinanceExchange creates the client of account name, reaching the exchange through proxy
func NewBinanceExchange(name, apiKey, secretKey, proxy string, opts Options, logger core.ILogger) *BinanceExchange {
	if opts.Testnet {
		futures.UseTestnet = true
	}

	var client *futures.Client
	if proxy != "" {
		client = futures.NewProxiedClient(apiKey, secretKey, ProxyURL(proxy))
	} else {
		client = futures.NewClient(apiKey, secretKey)
	}
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(20), 40)
	}

	log := logger.WithFields(map[string]interface{}{"component": "binance", "account": name})
	return &BinanceExchange{
		name:     name,
		proxy:    proxy,
		client:   client,
		limiter:  opts.Limiter,
		timeout:  opts.RequestTimeout,
		pipeline: newPipeline(name, log),
		logger:   log,
	}
}

// newPipeline retries transient failures and opens a breaker when they persist.
// Business errors such as an unknown order pass straight through.
func newPipeline(account string, logger core.ILogger) failsafe.Executor[any] {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			logger.Warn("Circuit breaker opened")
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(account, true)
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			logger.Info("Circuit breaker closed")
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(account, false)
		}).
		Build()

	return failsafe.With[any](retryPolicy, breaker)
}

// ProxyURL turns a host:port proxy into the URL form the client expects
func ProxyURL(proxy string) string {
	if strings.Contains(proxy, "://") {
		return proxy
	}
	return "http://" + proxy
}

// call runs fn through the rate limiter and the resilience pipeline and maps
// the exchange's error codes onto the shared error taxonomy.
func call[T any](ctx context.Context, e *BinanceExchange, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	res, err := e.pipeline.WithContext(ctx).Get(func() (any, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		v, err := fn(reqCtx)
		if err != nil {
			return nil, MapError(err)
		}
		return v, nil
	})
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, e.name, op, float64(time.Since(start).Milliseconds()))

	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return zero, fmt.Errorf("%w: circuit open for %s", apperrors.ErrExchangeMaintenance, e.name)
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// MapError translates Binance API error codes into apperrors sentinels
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var target error
		switch apiErr.Code {
		case -2013, -2011:
			target = apperrors.ErrOrderNotFound
		case -4046:
			target = apperrors.ErrMarginModeUnchanged
		case -2015, -2014, -1022:
			target = apperrors.ErrAuthenticationFailed
		case -2019, -2018:
			target = apperrors.ErrInsufficientFunds
		case -1003:
			target = apperrors.ErrRateLimitExceeded
		case -1001, -1008:
			target = apperrors.ErrSystemOverload
		case -1007:
			target = apperrors.ErrNetwork
		case -1021:
			target = apperrors.ErrTimestampOutOfBounds
		case -1121:
			target = apperrors.ErrInvalidSymbol
		case -4116:
			target = apperrors.ErrDuplicateOrder
		case -1111, -1013, -4164:
			target = apperrors.ErrInvalidOrderParameter
		case -2010, -2021, -2022:
			target = apperrors.ErrOrderRejected
		default:
			return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%w: binance %d: %s", target, apiErr.Code, apiErr.Message)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return err
}

func (e *BinanceExchange) GetName() string {
	return e.name
}

// GetBalance returns the USDT wallet balance
func (e *BinanceExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := call(ctx, e, "balance", func(ctx context.Context) ([]*futures.Balance, error) {
		return e.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == quoteAsset {
			return parseDecimal(b.Balance)
		}
	}
	return decimal.Zero, nil
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := call(ctx, e, "price", func(ctx context.Context) ([]*futures.SymbolPrice, error) {
		return e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseDecimal(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no price for %s", apperrors.ErrInvalidSymbol, symbol)
}

func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := call(ctx, e, "leverage", func(ctx context.Context) (*futures.SymbolLeverage, error) {
		return e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	})
	return err
}

func (e *BinanceExchange) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	marginType := futures.MarginTypeCrossed
	if mode == core.MarginIsolated {
		marginType = futures.MarginTypeIsolated
	}
	_, err := call(ctx, e, "margin_mode", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	})
	return err
}

func (e *BinanceExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	if !req.ClosePosition {
		svc = svc.Quantity(req.Quantity.String())
	}
	switch req.Type {
	case core.OrderTypeLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
	case core.OrderTypeStop, core.OrderTypeTakeProfit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String()).StopPrice(req.StopPrice.String())
	case core.OrderTypeStopMarket:
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	}
	if req.PriceProtect {
		svc = svc.PriceProtect(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := call(ctx, e, "place_order", func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	return &core.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          core.OrderSide(resp.Side),
		Type:          core.OrderType(resp.Type),
		Status:        core.OrderStatus(resp.Status),
		Price:         decimalOrZero(resp.Price),
		StopPrice:     decimalOrZero(resp.StopPrice),
		OrigQty:       decimalOrZero(resp.OrigQuantity),
		ExecutedQty:   decimalOrZero(resp.ExecutedQuantity),
		ReduceOnly:    resp.ReduceOnly,
		ClosePosition: req.ClosePosition,
		UpdateTime:    resp.UpdateTime,
	}, nil
}

// CancelOrder cancels by client id, or by order id when clientOrderID is empty
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) error {
	svc := e.client.NewCancelOrderService().Symbol(symbol)
	if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		svc = svc.OrderID(orderID)
	}
	_, err := call(ctx, e, "cancel_order", func(ctx context.Context) (*futures.CancelOrderResponse, error) {
		return svc.Do(ctx)
	})
	return err
}

// GetOrder scans the account's order history for clientOrderID. An order the
// exchange does not list is reported as nil, nil.
func (e *BinanceExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	orders, err := call(ctx, e, "get_order", func(ctx context.Context) ([]*futures.Order, error) {
		return e.client.NewListOrdersService().Symbol(symbol).Limit(1000).Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			return toOrder(o), nil
		}
	}
	return nil, nil
}

func (e *BinanceExchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	risks, err := call(ctx, e, "position", func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	pos := &core.Position{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		pos.Quantity = decimalOrZero(r.PositionAmt)
		pos.EntryPrice = decimalOrZero(r.EntryPrice)
		pos.MarkPrice = decimalOrZero(r.MarkPrice)
		pos.UnrealizedPnL = decimalOrZero(r.UnRealizedProfit)
		pos.LiquidationPrice = decimalOrZero(r.LiquidationPrice)
		pos.Leverage, _ = strconv.Atoi(r.Leverage)
		break
	}
	return pos, nil
}

// GetLotPrecision derives the quantity decimals from the most recent trade
func (e *BinanceExchange) GetLotPrecision(ctx context.Context, symbol string) (int32, error) {
	trades, err := call(ctx, e, "lot_precision", func(ctx context.Context) ([]*futures.Trade, error) {
		return e.client.NewRecentTradesService().Symbol(symbol).Limit(1).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, fmt.Errorf("%w: no trades for %s", apperrors.ErrInsufficientPrecision, symbol)
	}
	return sizing.LotDecimalsFromTrade(trades[len(trades)-1].Quantity)
}

func (e *BinanceExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, start, end time.Time) ([]*core.Income, error) {
	rows, err := call(ctx, e, "income_history", func(ctx context.Context) ([]*futures.IncomeHistory, error) {
		return e.client.NewGetIncomeHistoryService().
			Symbol(symbol).
			IncomeType(incomeType).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1000).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Income, 0, len(rows))
	for _, r := range rows {
		out = append(out, &core.Income{
			Symbol:     r.Symbol,
			IncomeType: r.IncomeType,
			Amount:     decimalOrZero(r.Income),
			Time:       time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

func toOrder(o *futures.Order) *core.Order {
	return &core.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(o.Side),
		Type:          core.OrderType(o.Type),
		Status:        core.OrderStatus(o.Status),
		Price:         decimalOrZero(o.Price),
		StopPrice:     decimalOrZero(o.StopPrice),
		OrigQty:       decimalOrZero(o.OrigQuantity),
		ExecutedQty:   decimalOrZero(o.ExecutedQuantity),
		AvgPrice:      decimalOrZero(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		UpdateTime:    o.UpdateTime,
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
