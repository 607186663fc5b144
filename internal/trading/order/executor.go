// Package order provides per-account order execution with rate limiting and retry logic
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"copytrade/internal/core"
	"copytrade/internal/trading/sizing"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OrderExecutor places and cancels orders on one account
type OrderExecutor struct {
	account  string
	exchange core.IExchange
	sizer    *sizing.Sizer
	logger   core.ILogger

	marginMode core.MarginMode

	rateLimiter *rate.Limiter

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu sync.RWMutex

	// Health status
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
	errorMu         sync.Mutex

	// OTel
	tracer       trace.Tracer
	orderCounter metric.Int64Counter
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

// NewOrderExecutor creates the executor of one account
func NewOrderExecutor(account string, exchange core.IExchange, sizer *sizing.Sizer, marginMode core.MarginMode, logger core.ILogger) *OrderExecutor {
	tracer := telemetry.GetTracer("order-executor")
	meter := telemetry.GetMeter("order-executor")

	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("Total number of orders placed"))
	retryCounter, _ := meter.Int64Counter("order_retries_total",
		metric.WithDescription("Total number of order placement retries"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of order placement failures"))

	if marginMode == "" {
		marginMode = core.MarginCrossed
	}

	return &OrderExecutor{
		account:         account,
		exchange:        exchange,
		sizer:           sizer,
		logger:          logger.WithField("component", "order_executor").WithField("account", account),
		marginMode:      marginMode,
		rateLimiter:     rate.NewLimiter(rate.Limit(10), 20),
		maxRetries:      3,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        5 * time.Second,
		tracer:          tracer,
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		failCounter:     failCounter,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
	}
}

// Account returns the account name
func (oe *OrderExecutor) Account() string {
	return oe.account
}

// Exchange returns the account's exchange client for reads
func (oe *OrderExecutor) Exchange() core.IExchange {
	return oe.exchange
}

// SetRateLimit updates the rate limit
func (oe *OrderExecutor) SetRateLimit(limit float64, burst int) {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	oe.rateLimiter = rate.NewLimiter(rate.Limit(limit), burst)
}

// SetRetryPolicy overrides the retry count and backoff bounds
func (oe *OrderExecutor) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	oe.maxRetries = maxRetries
	oe.baseDelay = baseDelay
	oe.maxDelay = maxDelay
}

// OpenPosition runs the entry sequence of signal on this account: margin mode,
// leverage, sizing, then the entry order with the signal id as client id.
func (oe *OrderExecutor) OpenPosition(ctx context.Context, signal *core.Signal, riskCap decimal.Decimal) (*core.Order, error) {
	ctx, span := oe.tracer.Start(ctx, "OpenPosition",
		trace.WithAttributes(
			attribute.String("account", oe.account),
			attribute.String("signal_id", signal.ID),
			attribute.String("symbol", signal.Symbol),
		),
	)
	defer span.End()

	if err := oe.exchange.SetMarginMode(ctx, signal.Symbol, oe.marginMode); err != nil && !errors.Is(err, apperrors.ErrMarginModeUnchanged) {
		return nil, apperrors.WrapAccount(oe.account, "set_margin_mode", err)
	}

	if err := oe.exchange.SetLeverage(ctx, signal.Symbol, signal.Leverage); err != nil {
		return nil, apperrors.WrapAccount(oe.account, "set_leverage", err)
	}

	qty, err := oe.sizer.Size(ctx, oe.exchange, signal, riskCap)
	if err != nil {
		return nil, apperrors.WrapAccount(oe.account, "size", err)
	}
	if !qty.IsPositive() {
		return nil, apperrors.WrapAccount(oe.account, "size",
			fmt.Errorf("%w: computed quantity %s", apperrors.ErrInvalidOrderParameter, qty))
	}

	priceNow := decimal.Zero
	if !signal.IsMarket() {
		priceNow, err = oe.exchange.GetPrice(ctx, signal.Symbol)
		if err != nil {
			return nil, apperrors.WrapAccount(oe.account, "get_price", err)
		}
	}

	order, err := oe.PlaceOrder(ctx, EntryRequest(signal, qty, priceNow))
	if err != nil {
		return nil, err
	}

	oe.logger.Info("Entry order placed",
		"signal_id", signal.ID,
		"symbol", signal.Symbol,
		"type", order.Type,
		"quantity", qty.String())
	return order, nil
}

// EntryRequest builds the entry order of signal. Market signals enter with a
// MARKET order. Priced signals use a stop-limit at the entry price whose type
// depends on which side of the current price the entry sits.
func EntryRequest(signal *core.Signal, qty, priceNow decimal.Decimal) *core.OrderRequest {
	req := &core.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          signal.Kind.EntrySide(),
		Quantity:      qty,
		ClientOrderID: signal.ID,
	}
	if signal.IsMarket() {
		req.Type = core.OrderTypeMarket
		return req
	}

	req.Price = signal.EntryPrice
	req.StopPrice = signal.EntryPrice
	req.Type = core.OrderTypeTakeProfit
	if signal.Kind == core.KindLong && priceNow.LessThan(signal.EntryPrice) {
		req.Type = core.OrderTypeStop
	}
	if signal.Kind == core.KindShort && priceNow.GreaterThan(signal.EntryPrice) {
		req.Type = core.OrderTypeStop
	}
	return req
}

// PlaceOrder places a single order with rate limiting and retry logic
func (oe *OrderExecutor) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	ctx, span := oe.tracer.Start(ctx, "PlaceOrder",
		trace.WithAttributes(
			attribute.String("account", oe.account),
			attribute.String("symbol", req.Symbol),
			attribute.String("side", string(req.Side)),
			attribute.String("type", string(req.Type)),
		),
	)
	defer span.End()

	order, err := oe.placeOrderWithRetry(ctx, req)
	if err != nil {
		telemetry.GetGlobalMetrics().RecordOrderFailed(ctx, oe.account, string(req.Type))
		return nil, apperrors.WrapAccount(oe.account, "place_order", err)
	}
	telemetry.GetGlobalMetrics().RecordOrderPlaced(ctx, oe.account, string(req.Type))
	return order, nil
}

// CancelOrder cancels by client id (or order id when clientOrderID is empty).
// ErrOrderNotFound is returned as is and never retried.
func (oe *OrderExecutor) CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) error {
	if err := oe.cancelOrderWithRetry(ctx, symbol, clientOrderID, orderID); err != nil {
		return apperrors.WrapAccount(oe.account, "cancel_order", err)
	}
	return nil
}

// GetOrder reads an order by client id; nil when the account has no such order
func (oe *OrderExecutor) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	o, err := oe.exchange.GetOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return nil, apperrors.WrapAccount(oe.account, "get_order", err)
	}
	return o, nil
}

// CheckHealth returns an error if the executor saw too many recent failures
func (oe *OrderExecutor) CheckHealth() error {
	errCount := oe.getRecentErrorCount(5 * time.Minute)
	if errCount > 50 {
		return fmt.Errorf("account %s: high error rate: %d errors in last 5 minutes", oe.account, errCount)
	}
	return nil
}

// recordError adds an error timestamp to track recent errors (Ring Buffer)
func (oe *OrderExecutor) recordError() {
	oe.errorMu.Lock()
	defer oe.errorMu.Unlock()

	if len(oe.errorTimestamps) < oe.errorCapacity {
		oe.errorTimestamps = append(oe.errorTimestamps, time.Now())
	} else {
		oe.errorTimestamps[oe.errorIndex] = time.Now()
		oe.errorIndex = (oe.errorIndex + 1) % oe.errorCapacity
	}
}

// getRecentErrorCount returns number of errors within duration
func (oe *OrderExecutor) getRecentErrorCount(duration time.Duration) int {
	oe.errorMu.Lock()
	defer oe.errorMu.Unlock()

	cutoff := time.Now().Add(-duration)
	count := 0
	for _, t := range oe.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (oe *OrderExecutor) policy() (*rate.Limiter, int) {
	oe.mu.RLock()
	defer oe.mu.RUnlock()
	return oe.rateLimiter, oe.maxRetries
}

// placeOrderWithRetry retries transient failures. A duplicate reported after a
// retry means an earlier attempt reached the exchange, so the existing order
// is returned instead.
func (oe *OrderExecutor) placeOrderWithRetry(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	limiter, maxRetries := oe.policy()

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}

		oe.orderCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("account", oe.account),
			attribute.String("symbol", req.Symbol),
			attribute.String("side", string(req.Side)),
		))

		order, err := oe.exchange.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}

		if attempt > 0 && req.ClientOrderID != "" && errors.Is(err, apperrors.ErrDuplicateOrder) {
			existing, getErr := oe.exchange.GetOrder(ctx, req.Symbol, req.ClientOrderID)
			if getErr == nil && existing != nil {
				oe.logger.Info("Order already accepted by an earlier attempt",
					"client_order_id", req.ClientOrderID)
				return existing, nil
			}
		}

		oe.logger.Warn("Order placement failed",
			"symbol", req.Symbol,
			"side", req.Side,
			"type", req.Type,
			"client_order_id", req.ClientOrderID,
			"error", err.Error(),
			"attempt", attempt+1)

		oe.failCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("account", oe.account),
			attribute.String("symbol", req.Symbol),
		))
		oe.recordError()

		if !apperrors.IsTransient(err) {
			return nil, err
		}
		if attempt >= maxRetries {
			return nil, fmt.Errorf("max retries exceeded: %w", err)
		}

		oe.retryCounter.Add(ctx, 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(oe.calculateRetryDelay(attempt)):
		}
	}
}

func (oe *OrderExecutor) cancelOrderWithRetry(ctx context.Context, symbol, clientOrderID string, orderID int64) error {
	limiter, maxRetries := oe.policy()

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}

		oe.logger.Debug("Canceling order",
			"symbol", symbol,
			"client_order_id", clientOrderID,
			"order_id", orderID,
			"attempt", attempt+1)

		err := oe.exchange.CancelOrder(ctx, symbol, clientOrderID, orderID)
		if err == nil {
			oe.logger.Info("Order canceled", "client_order_id", clientOrderID, "order_id", orderID)
			return nil
		}

		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return err
		}

		oe.logger.Warn("Order cancellation failed",
			"symbol", symbol,
			"client_order_id", clientOrderID,
			"error", err.Error(),
			"attempt", attempt+1)
		oe.recordError()

		if !apperrors.IsTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("max cancel retries exceeded: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(oe.calculateRetryDelay(attempt)):
		}
	}
}

// calculateRetryDelay calculates exponential backoff delay
func (oe *OrderExecutor) calculateRetryDelay(attempt int) time.Duration {
	oe.mu.RLock()
	base, maxDelay := oe.baseDelay, oe.maxDelay
	oe.mu.RUnlock()

	// min(baseDelay * 2^attempt, maxDelay) + jitter
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Add random jitter (+-10%)
	jitter := (rand.Float64()*0.2 - 0.1) * delay
	return time.Duration(delay + jitter)
}
