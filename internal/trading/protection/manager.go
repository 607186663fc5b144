// Package protection places and tears down the orders guarding a filled
// position on every account: the take-profit ladder and the stop loss.
package protection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/internal/trading/fanout"
	"copytrade/pkg/clientid"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Operation names used for batches and reports
const (
	OpPlaceLadder   = "place_ladder_and_stop"
	OpRollStop      = "roll_stop"
	OpClosePosition = "close_position"
	OpCloseStop     = "close_stop"
	OpCloseTargets  = "close_targets"
	OpRollingStop   = "rolling_stop"
	OpSetTarget     = "set_target"
	OpSetStop       = "set_stop"
)

// Manager fans protective order work out over every account
type Manager struct {
	dispatcher *fanout.Dispatcher
	store      core.ISignalStore
	logger     core.ILogger
}

func NewManager(dispatcher *fanout.Dispatcher, store core.ISignalStore, logger core.ILogger) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.WithField("component", "protection"),
	}
}

// PlaceLadderAndStop places the stop and the take-profit rungs of a filled
// signal on every account. targets[i] carries the client id of rung i+1.
func (m *Manager) PlaceLadderAndStop(ctx context.Context, signal *core.Signal, targets []*core.Target) *fanout.Batch {
	rec := m.newStopRecorder(signal.ID)
	byNumber := make(map[int]*core.Target, len(targets))
	for _, t := range targets {
		byNumber[t.Number] = t
	}

	return m.dispatcher.Broadcast(ctx, OpPlaceLadder, func(ctx context.Context, acc *account.Account) (string, error) {
		entry, err := acc.Executor.GetOrder(ctx, signal.Symbol, signal.ID)
		if err != nil {
			return "", err
		}
		if entry == nil || entry.Status != core.OrderStatusFilled {
			return "entry not filled, nothing placed", nil
		}

		var errs []error
		stopNote := "no stop"
		if signal.HasStop() {
			stopNote = "stop placed"
			if err := m.placeStop(ctx, acc, signal, signal.StopPrice, clientid.StopLoss(signal.ID), rec); err != nil {
				stopNote = "stop failed"
				errs = append(errs, err)
			}
		}

		placed, skipped, err := m.placeLadder(ctx, acc, signal, entry, byNumber)
		if err != nil {
			errs = append(errs, err)
		}
		return fmt.Sprintf("%s, %d rungs placed, %d skipped", stopNote, placed, skipped), errors.Join(errs...)
	})
}

func (m *Manager) placeLadder(ctx context.Context, acc *account.Account, signal *core.Signal, entry *core.Order, targets map[int]*core.Target) (placed, skipped int, err error) {
	if len(signal.Ladder) == 0 {
		return 0, 0, nil
	}
	decimals, err := acc.Exchange.GetLotPrecision(ctx, signal.Symbol)
	if err != nil {
		return 0, 0, apperrors.WrapAccount(acc.Name, "lot_precision", err)
	}

	log := m.logger.WithFields(map[string]interface{}{"account": acc.Name, "signal_id": signal.ID})
	fill := entry.FillPrice()
	var errs []error
	for i, rung := range signal.Ladder {
		if rung.Percent <= 0 {
			continue
		}
		target, ok := targets[i+1]
		if !ok {
			continue
		}
		if signal.IsMarket() && !tradingutils.IsProfitSide(signal.Kind == core.KindLong, fill, rung.Price) {
			log.Warn("Rung on the losing side of the fill, skipped",
				"rung", i+1, "price", rung.Price.String(), "fill", fill.String())
			skipped++
			continue
		}

		qty := tradingutils.TruncateQuantity(tradingutils.PercentOf(entry.OrigQty, rung.Percent), decimals)
		if !qty.IsPositive() {
			errs = append(errs, fmt.Errorf("rung %d: %w: quantity truncates to zero", i+1, apperrors.ErrInvalidOrderParameter))
			continue
		}
		if _, err := acc.Executor.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        signal.Symbol,
			Side:          signal.Kind.ExitSide(),
			Type:          core.OrderTypeLimit,
			Quantity:      qty,
			Price:         rung.Price,
			ClientOrderID: target.TargetID,
			ReduceOnly:    true,
		}); err != nil {
			errs = append(errs, fmt.Errorf("rung %d: %w", i+1, err))
			continue
		}
		placed++
	}
	return placed, skipped, errors.Join(errs...)
}

// RollStop cancels the signal's stop on every account after a rung filled.
// Accounts without a live stop are skipped.
func (m *Manager) RollStop(ctx context.Context, signal *core.Signal, target *core.Target) *fanout.Batch {
	m.logger.Info("Rolling stop after target fill",
		"signal_id", signal.ID, "target_id", target.TargetID, "rung", target.Number)
	return m.dispatcher.Broadcast(ctx, OpRollStop, func(ctx context.Context, acc *account.Account) (string, error) {
		if signal.StopClientOrderID == "" {
			return "no stop recorded", nil
		}
		return cancelIfOpen(ctx, acc, signal.Symbol, signal.StopClientOrderID)
	})
}

// ClosePosition cancels a pending entry, flattens the position and removes the
// stop on every account. Each step runs regardless of the others.
func (m *Manager) ClosePosition(ctx context.Context, signal *core.Signal) *fanout.Batch {
	return m.dispatcher.Broadcast(ctx, OpClosePosition, func(ctx context.Context, acc *account.Account) (string, error) {
		var errs []error

		if _, err := cancelIfOpen(ctx, acc, signal.Symbol, signal.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel entry: %w", err))
		}

		flattened, err := flatten(ctx, acc, signal.Symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten: %w", err))
		}

		if signal.StopClientOrderID != "" {
			if _, err := cancelIfOpen(ctx, acc, signal.Symbol, signal.StopClientOrderID); err != nil {
				errs = append(errs, fmt.Errorf("cancel stop: %w", err))
			}
		}

		note := "no position"
		if flattened.IsPositive() {
			note = "flattened " + flattened.String()
		}
		return note, errors.Join(errs...)
	})
}

// CloseStop cancels the signal's stored stop on every account
func (m *Manager) CloseStop(ctx context.Context, signal *core.Signal) *fanout.Batch {
	return m.dispatcher.Broadcast(ctx, OpCloseStop, func(ctx context.Context, acc *account.Account) (string, error) {
		if signal.StopClientOrderID == "" {
			return "no stop recorded", nil
		}
		return cancelIfOpen(ctx, acc, signal.Symbol, signal.StopClientOrderID)
	})
}

// CloseTargets cancels every target order still resting on each account
func (m *Manager) CloseTargets(ctx context.Context, signal *core.Signal, targets []*core.Target) *fanout.Batch {
	return m.dispatcher.Broadcast(ctx, OpCloseTargets, func(ctx context.Context, acc *account.Account) (string, error) {
		var errs []error
		canceled := 0
		for _, t := range targets {
			note, err := cancelIfOpen(ctx, acc, signal.Symbol, t.TargetID)
			if err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", t.TargetID, err))
				continue
			}
			if note == noteCanceled {
				canceled++
			}
		}
		return fmt.Sprintf("%d targets canceled", canceled), errors.Join(errs...)
	})
}

// RollingStop moves the stop to the entry fill price on every account. The old
// stop is canceled first; a failure there does not block the new stop.
func (m *Manager) RollingStop(ctx context.Context, signal *core.Signal) *fanout.Batch {
	rec := m.newStopRecorder(signal.ID)
	return m.dispatcher.Broadcast(ctx, OpRollingStop, func(ctx context.Context, acc *account.Account) (string, error) {
		var errs []error
		if signal.StopClientOrderID != "" {
			if _, err := cancelIfOpen(ctx, acc, signal.Symbol, signal.StopClientOrderID); err != nil {
				errs = append(errs, fmt.Errorf("cancel old stop: %w", err))
			}
		}

		entry, err := acc.Executor.GetOrder(ctx, signal.Symbol, signal.ID)
		if err != nil {
			return "", errors.Join(append(errs, err)...)
		}
		if entry == nil {
			return "order not placed yet", errors.Join(errs...)
		}

		price := entry.FillPrice()
		if err := m.placeStop(ctx, acc, signal, price, clientid.RolledStopLoss(signal.ID, price), rec); err != nil {
			errs = append(errs, err)
			return "", errors.Join(errs...)
		}
		return "stop moved to " + price.String(), errors.Join(errs...)
	})
}

// SetManualTarget places one reduce-only limit for the whole entry quantity
// at price on every account that holds the entry. The reference account goes
// first; if it does not hold the entry the batch is aborted.
func (m *Manager) SetManualTarget(ctx context.Context, signal *core.Signal, price decimal.Decimal, targetID string) (*fanout.Batch, error) {
	ref := m.dispatcher.Pool().Reference()
	return m.dispatcher.Dispatch(ctx, OpSetTarget, func(ctx context.Context, acc *account.Account) (string, error) {
		entry, err := acc.Executor.GetOrder(ctx, signal.Symbol, signal.ID)
		if err != nil {
			return "", err
		}
		if entry == nil {
			if acc == ref {
				return "", apperrors.Validationf("entry of %s is not placed on %s", signal.ID, acc.Name)
			}
			return "order not placed yet", nil
		}
		decimals, err := acc.Exchange.GetLotPrecision(ctx, signal.Symbol)
		if err != nil {
			return "", apperrors.WrapAccount(acc.Name, "lot_precision", err)
		}
		qty := tradingutils.TruncateQuantity(entry.OrigQty, decimals)
		if _, err := acc.Executor.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        signal.Symbol,
			Side:          signal.Kind.ExitSide(),
			Type:          core.OrderTypeLimit,
			Quantity:      qty,
			Price:         price,
			ClientOrderID: targetID,
			ReduceOnly:    true,
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("target %s x %s placed", price, qty), nil
	})
}

// SetManualStop places an extra close-position stop at price on every account
func (m *Manager) SetManualStop(ctx context.Context, signal *core.Signal, price decimal.Decimal, clientOrderID string) *fanout.Batch {
	rec := m.newStopRecorder(signal.ID)
	return m.dispatcher.Broadcast(ctx, OpSetStop, func(ctx context.Context, acc *account.Account) (string, error) {
		if err := m.placeStop(ctx, acc, signal, price, clientOrderID, rec); err != nil {
			return "", err
		}
		return "stop placed at " + price.String(), nil
	})
}

// StopRequest is a close-position stop market order guarding signal at price
func StopRequest(signal *core.Signal, price decimal.Decimal, clientOrderID string) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          signal.Kind.ExitSide(),
		Type:          core.OrderTypeStopMarket,
		StopPrice:     price,
		ClientOrderID: clientOrderID,
		ClosePosition: true,
		PriceProtect:  true,
	}
}

func (m *Manager) placeStop(ctx context.Context, acc *account.Account, signal *core.Signal, price decimal.Decimal, clientOrderID string, rec *stopRecorder) error {
	order, err := acc.Executor.PlaceOrder(ctx, StopRequest(signal, price, clientOrderID))
	if err != nil {
		return err
	}
	rec.record(ctx, order)
	return nil
}

// stopRecorder persists the stop ids of the first account that placed one.
// Every account shares the client id, so one row serves them all.
type stopRecorder struct {
	store    core.ISignalStore
	logger   core.ILogger
	signalID string
	saved    atomic.Bool
}

func (m *Manager) newStopRecorder(signalID string) *stopRecorder {
	return &stopRecorder{store: m.store, logger: m.logger, signalID: signalID}
}

func (r *stopRecorder) record(ctx context.Context, order *core.Order) {
	if !r.saved.CompareAndSwap(false, true) {
		return
	}
	if err := r.store.UpdateSignalStop(ctx, r.signalID, order.OrderID, order.ClientOrderID); err != nil {
		r.saved.Store(false)
		r.logger.Error("Failed to persist stop ids",
			"signal_id", r.signalID, "client_order_id", order.ClientOrderID, "error", err.Error())
	}
}

const noteCanceled = "canceled"

// cancelIfOpen cancels the order with clientOrderID when it is still live.
// Absent or finished orders are reported in the note, not as errors.
func cancelIfOpen(ctx context.Context, acc *account.Account, symbol, clientOrderID string) (string, error) {
	o, err := acc.Executor.GetOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "not found", nil
	}
	if !o.IsOpen() {
		return "already " + string(o.Status), nil
	}
	err = acc.Executor.CancelOrder(ctx, symbol, clientOrderID, o.OrderID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return "not found", nil
	}
	if err != nil {
		return "", err
	}
	return noteCanceled, nil
}

// flatten closes any position on symbol with a reduce-only market order and
// returns the closed quantity.
func flatten(ctx context.Context, acc *account.Account, symbol string) (decimal.Decimal, error) {
	pos, err := acc.Exchange.GetPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, apperrors.WrapAccount(acc.Name, "get_position", err)
	}
	if pos == nil || pos.Quantity.IsZero() {
		return decimal.Zero, nil
	}

	side := core.SideSell
	if pos.Quantity.IsNegative() {
		side = core.SideBuy
	}
	qty := pos.Quantity.Abs()
	if _, err := acc.Executor.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: clientid.New(),
		ReduceOnly:    true,
	}); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}
