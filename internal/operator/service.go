// Package operator implements the operator actions on signals and accounts.
// Every write fans out through the dispatcher and waits, bounded, for the
// per-account outcome so callers can show it.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/internal/trading/fanout"
	"copytrade/internal/trading/lifecycle"
	"copytrade/internal/trading/protection"
	"copytrade/pkg/clientid"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// OpEntry names entry batches
const OpEntry = "open_entry"

const (
	maxLeverage   = 125
	idAttempts    = 5
	readFanoutCap = 8
)

// Options tunes a Service
type Options struct {
	// BatchWait bounds how long an action waits for its fan-out
	BatchWait time.Duration
}

// Service runs operator actions
type Service struct {
	dispatcher *fanout.Dispatcher
	protection *protection.Manager
	store      core.ISignalStore
	pool       *account.Pool
	opts       Options
	logger     core.ILogger
}

func NewService(dispatcher *fanout.Dispatcher, pm *protection.Manager, store core.ISignalStore, opts Options, logger core.ILogger) *Service {
	if opts.BatchWait <= 0 {
		opts.BatchWait = 60 * time.Second
	}
	return &Service{
		dispatcher: dispatcher,
		protection: pm,
		store:      store,
		pool:       dispatcher.Pool(),
		opts:       opts,
		logger:     logger.WithField("component", "operator"),
	}
}

// OpenRequest describes a new signal
type OpenRequest struct {
	Symbol     string
	Kind       core.Kind
	EntryPrice decimal.Decimal
	Size       core.SizeSpec
	Leverage   int
	Ladder     []core.Rung
	StopPrice  decimal.Decimal
}

// Validate rejects requests no account could execute
func (r *OpenRequest) Validate() error {
	if r.Symbol == "" || strings.ToUpper(r.Symbol) != r.Symbol {
		return apperrors.Validationf("symbol %q must be a non-empty upper case pair", r.Symbol)
	}
	if !r.Kind.Valid() {
		return apperrors.Validationf("kind %q must be long or short", r.Kind)
	}
	if r.Leverage < 1 || r.Leverage > maxLeverage {
		return apperrors.Validationf("leverage %d out of range [1,%d]", r.Leverage, maxLeverage)
	}
	if r.EntryPrice.IsNegative() {
		return apperrors.Validationf("entry price %s is negative", r.EntryPrice)
	}
	if r.StopPrice.IsNegative() {
		return apperrors.Validationf("stop price %s is negative", r.StopPrice)
	}
	switch r.Size.Kind {
	case core.SizeFixed:
		if !r.Size.Quantity.IsPositive() {
			return apperrors.Validationf("fixed size must be positive")
		}
	case core.SizePercent:
		if r.Size.Percent <= 0 || r.Size.Percent > 100 {
			return apperrors.Validationf("percent size %d out of range (0,100]", r.Size.Percent)
		}
	}
	for i, rung := range r.Ladder {
		if !rung.Price.IsPositive() {
			return apperrors.Validationf("target %d price must be positive", i+1)
		}
		if rung.Percent < 0 || rung.Percent > 100 {
			return apperrors.Validationf("target %d percent %d out of range [0,100]", i+1, rung.Percent)
		}
	}
	if !r.EntryPrice.IsZero() && !r.StopPrice.IsZero() {
		long := r.Kind == core.KindLong
		if long && r.StopPrice.GreaterThanOrEqual(r.EntryPrice) || !long && r.StopPrice.LessThanOrEqual(r.EntryPrice) {
			return apperrors.Validationf("stop %s is on the wrong side of entry %s", r.StopPrice, r.EntryPrice)
		}
	}
	return nil
}

// OpenSignal places the entry on every account. The reference account runs
// first; when it rejects the entry nothing is persisted and its error is
// returned. Otherwise the signal is stored OPEN for the reconciler.
func (s *Service) OpenSignal(ctx context.Context, req OpenRequest) (*core.Signal, *Report, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	id, err := s.uniqueSignalID(ctx)
	if err != nil {
		return nil, nil, err
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read settings: %w", err)
	}

	signal := &core.Signal{
		ID:         id,
		Symbol:     req.Symbol,
		Kind:       req.Kind,
		EntryPrice: req.EntryPrice,
		Size:       req.Size,
		Leverage:   req.Leverage,
		Status:     core.StatusOpen,
		Ladder:     req.Ladder,
		StopPrice:  req.StopPrice,
		CreatedAt:  time.Now(),
	}
	log := s.logger.WithFields(map[string]interface{}{"signal_id": id, "symbol": signal.Symbol})
	log.Info("Opening signal",
		"kind", signal.Kind,
		"entry", signal.EntryPrice.String(),
		"size", signal.Size.String(),
		"leverage", signal.Leverage,
		"rungs", len(signal.Ladder))

	batch, err := s.dispatcher.Dispatch(ctx, OpEntry, func(ctx context.Context, acc *account.Account) (string, error) {
		order, err := acc.Executor.OpenPosition(ctx, signal, settings.LimitBalance)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s placed", order.Type, order.OrigQty, signal.Symbol), nil
	})
	if err != nil {
		return nil, newReport(batch, signal.ID, true), err
	}

	if err := s.store.CreateSignal(ctx, signal); err != nil {
		log.Error("Entry placed but signal not persisted", "error", err.Error())
		return nil, s.wait(ctx, batch, signal.ID), fmt.Errorf("failed to persist signal %s: %w", id, err)
	}
	return signal, s.wait(ctx, batch, signal.ID), nil
}

// Cancel flattens the signal on every account. An OPEN signal is claimed as
// CANCELED before the flatten, so a concurrent reconcile pass cannot place a
// ladder on it. A signal that already left OPEN keeps its status.
func (s *Service) Cancel(ctx context.Context, signalID string) (*Report, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}

	if signal.Status == core.StatusOpen {
		next, err := lifecycle.Signal(signal.Status, lifecycle.EventOperatorCancel)
		if err != nil {
			return nil, err
		}
		err = s.store.UpdateSignalStatus(ctx, signal.ID, signal.Status, next)
		switch {
		case errors.Is(err, apperrors.ErrInvalidTransition):
			s.logger.Info("Signal left OPEN before cancel, status kept", "signal_id", signal.ID, "reason", err.Error())
		case err != nil:
			return nil, err
		}
	}

	return s.wait(ctx, s.protection.ClosePosition(ctx, signal), signal.ID), nil
}

// CloseStop cancels the signal's stored stop on every account
func (s *Service) CloseStop(ctx context.Context, signalID string) (*Report, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	return s.wait(ctx, s.protection.CloseStop(ctx, signal), signal.ID), nil
}

// CloseTargets cancels every resting target order and marks OPEN targets CANCELED
func (s *Service) CloseTargets(ctx context.Context, signalID string) (*Report, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargetsBySignal(ctx, signal.ID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, apperrors.Validationf("signal %s has no targets", signal.ID)
	}

	report := s.wait(ctx, s.protection.CloseTargets(ctx, signal, targets), signal.ID)

	var errs []error
	for _, t := range targets {
		if t.Status != core.StatusOpen {
			continue
		}
		next, err := lifecycle.Target(t.Status, lifecycle.EventOperatorClose)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// a target the reconciler settled meanwhile keeps its status
		err = s.store.UpdateTargetStatus(ctx, t.TargetID, t.Status, next)
		if err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// RollingStop moves the stop to the entry fill once the position is in profit
func (s *Service) RollingStop(ctx context.Context, signalID string) (*Report, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}

	ref := s.pool.Reference()
	priceNow, err := ref.Exchange.GetPrice(ctx, signal.Symbol)
	if err != nil {
		return nil, apperrors.WrapAccount(ref.Name, "get_price", err)
	}
	entry := signal.EntryPrice
	if entry.IsZero() {
		order, err := ref.Executor.GetOrder(ctx, signal.Symbol, signal.ID)
		if err != nil {
			return nil, apperrors.WrapAccount(ref.Name, "get_order", err)
		}
		if order == nil {
			return nil, apperrors.Validationf("entry of %s is not placed on %s", signal.ID, ref.Name)
		}
		entry = order.FillPrice()
	}
	if !tradingutils.IsProfitSide(signal.Kind == core.KindLong, entry, priceNow) {
		return nil, apperrors.Validationf("position is not in profit: entry %s, price %s", entry, priceNow)
	}

	return s.wait(ctx, s.protection.RollingStop(ctx, signal), signal.ID), nil
}

// SetTarget adds a take profit for the whole entry quantity at price
func (s *Service) SetTarget(ctx context.Context, signalID string, price decimal.Decimal) (*Report, error) {
	signal, priceNow, err := s.signalAndPrice(ctx, signalID, price)
	if err != nil {
		return nil, err
	}
	if !tradingutils.IsProfitSide(signal.Kind == core.KindLong, priceNow, price) {
		return nil, apperrors.Validationf("target %s is on the losing side of price %s", price, priceNow)
	}

	target := &core.Target{
		SignalID: signal.ID,
		Number:   0,
		TargetID: clientid.New(),
		Status:   core.StatusOpen,
	}
	// the row is tracked only once the reference account holds the order
	batch, err := s.protection.SetManualTarget(ctx, signal, price, target.TargetID)
	if err != nil {
		return newReport(batch, signal.ID, true), err
	}
	if err := s.store.CreateTargets(ctx, []*core.Target{target}); err != nil {
		s.logger.Error("Target placed but not persisted", "signal_id", signal.ID, "target_id", target.TargetID, "error", err.Error())
		return s.wait(ctx, batch, signal.ID), err
	}
	return s.wait(ctx, batch, signal.ID), nil
}

// SetStop adds a close-position stop at price
func (s *Service) SetStop(ctx context.Context, signalID string, price decimal.Decimal) (*Report, error) {
	signal, priceNow, err := s.signalAndPrice(ctx, signalID, price)
	if err != nil {
		return nil, err
	}
	long := signal.Kind == core.KindLong
	if long && price.GreaterThanOrEqual(priceNow) || !long && price.LessThanOrEqual(priceNow) {
		return nil, apperrors.Validationf("stop %s would trigger immediately at price %s", price, priceNow)
	}
	return s.wait(ctx, s.protection.SetManualStop(ctx, signal, price, clientid.ManualStopLoss()), signal.ID), nil
}

// SetLimitBalance updates the risk cap applied to percent sizing
func (s *Service) SetLimitBalance(ctx context.Context, value decimal.Decimal) error {
	if !value.IsPositive() {
		return apperrors.Validationf("limit balance must be positive, got %s", value)
	}
	if err := s.store.SetLimitBalance(ctx, value); err != nil {
		return err
	}
	s.logger.Info("Limit balance updated", "value", value.String())
	return nil
}

func (s *Service) Settings(ctx context.Context) (*core.Settings, error) {
	return s.store.GetSettings(ctx)
}

// Signal returns a stored signal with its targets
func (s *Service) Signal(ctx context.Context, signalID string) (*core.Signal, []*core.Target, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, nil, err
	}
	targets, err := s.store.ListTargetsBySignal(ctx, signalID)
	if err != nil {
		return nil, nil, err
	}
	return signal, targets, nil
}

// Signals lists the most recent signals, optionally filtered by status
func (s *Service) Signals(ctx context.Context, status core.Status, limit int) ([]*core.Signal, error) {
	return s.store.ListSignals(ctx, status, limit)
}

// VerifyCredentials performs one authenticated read on every account
func (s *Service) VerifyCredentials(ctx context.Context) error {
	return s.pool.VerifyCredentials(ctx)
}

func (s *Service) signalAndPrice(ctx context.Context, signalID string, price decimal.Decimal) (*core.Signal, decimal.Decimal, error) {
	if !price.IsPositive() {
		return nil, decimal.Zero, apperrors.Validationf("price must be positive, got %s", price)
	}
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	ref := s.pool.Reference()
	priceNow, err := ref.Exchange.GetPrice(ctx, signal.Symbol)
	if err != nil {
		return nil, decimal.Zero, apperrors.WrapAccount(ref.Name, "get_price", err)
	}
	return signal, priceNow, nil
}

func (s *Service) uniqueSignalID(ctx context.Context) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := clientid.New()
		exists, err := s.store.SignalExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check signal id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("no unique signal id after %d attempts", idAttempts)
}

// wait blocks until the batch completes or BatchWait elapses
func (s *Service) wait(ctx context.Context, batch *fanout.Batch, signalID string) *Report {
	complete := batch.Wait(ctx, s.opts.BatchWait)
	if !complete {
		s.logger.Warn("Batch still running, reporting partial results",
			"op", batch.Op, "batch_id", batch.ID, "expected", batch.Expected())
	}
	return newReport(batch, signalID, complete)
}

// forEachAccount runs read fn on every account concurrently. Per-account
// failures belong to fn's result rows, so the group itself never fails.
func (s *Service) forEachAccount(ctx context.Context, fn func(ctx context.Context, i int, acc *account.Account)) {
	var g errgroup.Group
	g.SetLimit(readFanoutCap)
	for i, acc := range s.pool.Accounts() {
		i, acc := i, acc
		g.Go(func() error {
			fn(ctx, i, acc)
			return nil
		})
	}
	_ = g.Wait()
}
