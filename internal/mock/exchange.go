package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"

	"github.com/shopspring/decimal"
)

// Operation names accepted by SetError
const (
	OpBalance       = "balance"
	OpPrice         = "price"
	OpLeverage      = "leverage"
	OpMarginMode    = "margin_mode"
	OpPlaceOrder    = "place_order"
	OpCancelOrder   = "cancel_order"
	OpGetOrder      = "get_order"
	OpPosition      = "position"
	OpLotPrecision  = "lot_precision"
	OpIncomeHistory = "income_history"
)

// MockExchange is an in-memory futures account implementing core.IExchange.
// Market orders fill immediately at the configured price and move the position;
// every other order rests as NEW until SetOrderStatus or FillOrder changes it.
// Client order ids are unique per account, like on the real exchange.
type MockExchange struct {
	name string

	mu             sync.RWMutex
	balance        decimal.Decimal
	prices         map[string]decimal.Decimal
	lotDecimals    map[string]int32
	leverage       map[string]int
	marginMode     map[string]core.MarginMode
	positions      map[string]*core.Position
	orders         map[int64]*core.Order
	clientOrderMap map[string]int64
	orderIDCounter int64
	income         []*core.Income
	errs           map[string]error
	placed         []core.OrderRequest
	canceled       []string
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		balance:        decimal.NewFromInt(10000),
		prices:         make(map[string]decimal.Decimal),
		lotDecimals:    make(map[string]int32),
		leverage:       make(map[string]int),
		marginMode:     make(map[string]core.MarginMode),
		positions:      make(map[string]*core.Position),
		orders:         make(map[int64]*core.Order),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,
		errs:           make(map[string]error),
	}
}

func (m *MockExchange) GetName() string {
	return m.name
}

// SetBalance sets the USDT wallet balance
func (m *MockExchange) SetBalance(balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
}

// SetPrice sets the last price of symbol
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetLotDecimals sets the quantity precision of symbol. Symbols without one
// behave as if they had no trade history.
func (m *MockExchange) SetLotDecimals(symbol string, decimals int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lotDecimals[symbol] = decimals
}

// SetError makes every call of op fail with err until cleared with a nil err
func (m *MockExchange) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// SetPosition overrides the position of symbol. qty is signed.
func (m *MockExchange) SetPosition(symbol string, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &core.Position{Symbol: symbol, Quantity: qty, EntryPrice: entry}
}

// AddIncome appends a row to the income history
func (m *MockExchange) AddIncome(inc *core.Income) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.income = append(m.income, inc)
}

// SetOrderStatus moves the order with clientOrderID to status
func (m *MockExchange) SetOrderStatus(clientOrderID string, status core.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orderByClientID(clientOrderID)
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	o.Status = status
	o.UpdateTime = time.Now().UnixMilli()
	return nil
}

// FillOrder marks the order filled at avgPrice and applies it to the position
func (m *MockExchange) FillOrder(clientOrderID string, avgPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orderByClientID(clientOrderID)
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	m.fill(o, avgPrice)
	return nil
}

// RemoveOrder forgets an order entirely, as if it had never been placed
func (m *MockExchange) RemoveOrder(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.clientOrderMap[clientOrderID]; ok {
		delete(m.orders, id)
		delete(m.clientOrderMap, clientOrderID)
	}
}

// PlacedOrders returns every accepted placement request in order
func (m *MockExchange) PlacedOrders() []core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// CanceledOrders returns the client ids of canceled orders in order
func (m *MockExchange) CanceledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}

// Leverage returns the last leverage set for symbol
func (m *MockExchange) Leverage(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverage[symbol]
}

func (m *MockExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpBalance]; err != nil {
		return decimal.Zero, err
	}
	return m.balance, nil
}

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpPrice]; err != nil {
		return decimal.Zero, err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return p, nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpLeverage]; err != nil {
		return err
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockExchange) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpMarginMode]; err != nil {
		return err
	}
	if m.marginMode[symbol] == mode {
		return apperrors.ErrMarginModeUnchanged
	}
	m.marginMode[symbol] = mode
	return nil
}

// PlaceOrder places an order into the mock exchange.
func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[OpPlaceOrder]; err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if _, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, req.ClientOrderID)
		}
	}
	if !req.ClosePosition && !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidOrderParameter)
	}

	m.orderIDCounter++
	order := &core.Order{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		UpdateTime:    time.Now().UnixMilli(),
	}
	m.orders[order.OrderID] = order
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = order.OrderID
	}
	m.placed = append(m.placed, *req)

	if req.Type == core.OrderTypeMarket {
		m.fill(order, m.prices[req.Symbol])
	}

	cp := *order
	return &cp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[OpCancelOrder]; err != nil {
		return err
	}

	var o *core.Order
	if clientOrderID != "" {
		o, _ = m.orderByClientID(clientOrderID)
	} else {
		o = m.orders[orderID]
	}
	if o == nil || !o.IsOpen() {
		return apperrors.ErrOrderNotFound
	}
	o.Status = core.OrderStatusCanceled
	o.UpdateTime = time.Now().UnixMilli()
	m.canceled = append(m.canceled, o.ClientOrderID)
	return nil
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errs[OpGetOrder]; err != nil {
		return nil, err
	}
	o, ok := m.orderByClientID(clientOrderID)
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errs[OpPosition]; err != nil {
		return nil, err
	}
	pos := &core.Position{Symbol: symbol, Leverage: m.leverage[symbol]}
	if p, ok := m.positions[symbol]; ok {
		pos.Quantity = p.Quantity
		pos.EntryPrice = p.EntryPrice
	}
	pos.MarkPrice = m.prices[symbol]
	if !pos.Quantity.IsZero() {
		pos.UnrealizedPnL = pos.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	}
	return pos, nil
}

func (m *MockExchange) GetLotPrecision(ctx context.Context, symbol string) (int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errs[OpLotPrecision]; err != nil {
		return 0, err
	}
	d, ok := m.lotDecimals[symbol]
	if !ok {
		return 0, apperrors.ErrInsufficientPrecision
	}
	return d, nil
}

func (m *MockExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, start, end time.Time) ([]*core.Income, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errs[OpIncomeHistory]; err != nil {
		return nil, err
	}
	var out []*core.Income
	for _, inc := range m.income {
		if inc.Symbol != symbol || inc.IncomeType != incomeType {
			continue
		}
		if inc.Time.Before(start) || inc.Time.After(end) {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// orderByClientID must be called with m.mu held
func (m *MockExchange) orderByClientID(clientOrderID string) (*core.Order, bool) {
	id, ok := m.clientOrderMap[clientOrderID]
	if !ok {
		return nil, false
	}
	o, ok := m.orders[id]
	return o, ok
}

// fill must be called with m.mu held
func (m *MockExchange) fill(o *core.Order, price decimal.Decimal) {
	o.Status = core.OrderStatusFilled
	o.AvgPrice = price
	o.UpdateTime = time.Now().UnixMilli()

	pos, ok := m.positions[o.Symbol]
	if !ok {
		pos = &core.Position{Symbol: o.Symbol}
		m.positions[o.Symbol] = pos
	}

	qty := o.OrigQty
	if o.ClosePosition {
		qty = pos.Quantity.Abs()
	}
	o.ExecutedQty = qty

	delta := qty
	if o.Side == core.SideSell {
		delta = delta.Neg()
	}
	if o.ReduceOnly || o.ClosePosition {
		// never flips the position
		if delta.Abs().GreaterThan(pos.Quantity.Abs()) {
			delta = pos.Quantity.Neg()
		}
	}

	next := pos.Quantity.Add(delta)
	switch {
	case next.IsZero():
		pos.EntryPrice = decimal.Zero
	case pos.Quantity.IsZero() || pos.Quantity.Sign() != next.Sign():
		pos.EntryPrice = price
	case pos.Quantity.Sign() == delta.Sign():
		notional := pos.Quantity.Abs().Mul(pos.EntryPrice).Add(delta.Abs().Mul(price))
		pos.EntryPrice = notional.Div(next.Abs())
	}
	pos.Quantity = next
}
