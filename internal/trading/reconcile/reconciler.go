// Package reconcile polls the reference account and drives signal and target
// status from what the exchange reports.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/internal/trading/lifecycle"
	"copytrade/internal/trading/protection"
	"copytrade/pkg/clientid"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/telemetry"

	"github.com/google/uuid"
)

// State of the latest reconciliation pass
type State string

const (
	StateNeverRun  State = "never_run"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status describes the latest reconciliation pass
type Status struct {
	PassID         string    `json:"pass_id,omitempty"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	SignalsChecked int       `json:"signals_checked"`
	TargetsChecked int       `json:"targets_checked"`
	Transitions    int       `json:"transitions"`
	Errors         int       `json:"errors"`
	LastError      string    `json:"last_error,omitempty"`
}

// Reconciler runs reconciliation passes on a fixed interval. Passes never overlap.
type Reconciler struct {
	reference     *account.Account
	store         core.ISignalStore
	protection    *protection.Manager
	logger        core.ILogger
	interval      time.Duration
	recordTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	status   Status
	statusMu sync.RWMutex
}

// NewReconciler creates a reconciler polling the pool's reference account
func NewReconciler(
	pool *account.Pool,
	store core.ISignalStore,
	protection *protection.Manager,
	logger core.ILogger,
	interval time.Duration,
	recordTimeout time.Duration,
) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if recordTimeout <= 0 {
		recordTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		reference:     pool.Reference(),
		store:         store,
		protection:    protection,
		logger:        logger.WithField("component", "reconciler"),
		interval:      interval,
		recordTimeout: recordTimeout,
		ctx:           ctx,
		cancel:        cancel,
		status:        Status{State: StateNeverRun},
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler",
		"interval", r.interval.String(),
		"reference_account", r.reference.Name)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the loop and waits for a running pass to finish
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// Interval returns the delay between passes
func (r *Reconciler) Interval() time.Duration {
	return r.interval
}

// GetStatus returns a copy of the latest pass status
func (r *Reconciler) GetStatus() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// TriggerManual runs one pass immediately, after any pass already running
func (r *Reconciler) TriggerManual(ctx context.Context) (Status, error) {
	r.logger.Info("Manual reconciliation triggered")
	err := r.Reconcile(ctx)
	return r.GetStatus(), err
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(r.ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
		}
	}
}

// Reconcile performs a single pass: OPEN signals first, then OPEN targets.
// A failing record is logged and skipped; only store listing failures fail the pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	passID := uuid.NewString()
	start := time.Now()
	r.setStatus(Status{PassID: passID, State: StateRunning, StartedAt: start})
	log := r.logger.WithField("pass_id", passID)
	log.Debug("Starting reconciliation pass")

	st := Status{PassID: passID, State: StateCompleted, StartedAt: start}

	signals, err := r.store.ListSignalsByStatus(ctx, core.StatusOpen)
	if err != nil {
		return r.fail(ctx, st, fmt.Errorf("failed to list open signals: %w", err))
	}
	for _, sig := range signals {
		changed, err := r.checkRecord(ctx, func(ctx context.Context) (bool, error) {
			return r.reconcileSignal(ctx, sig)
		})
		st.SignalsChecked++
		if err != nil {
			st.Errors++
			st.LastError = err.Error()
			log.Error("Signal check failed", "signal_id", sig.ID, "error", err.Error())
			continue
		}
		if changed {
			st.Transitions++
		}
	}

	targets, err := r.store.ListTargetsByStatus(ctx, core.StatusOpen)
	if err != nil {
		return r.fail(ctx, st, fmt.Errorf("failed to list open targets: %w", err))
	}
	for _, t := range targets {
		changed, err := r.checkRecord(ctx, func(ctx context.Context) (bool, error) {
			return r.reconcileTarget(ctx, t)
		})
		st.TargetsChecked++
		if err != nil {
			st.Errors++
			st.LastError = err.Error()
			log.Error("Target check failed", "target_id", t.TargetID, "error", err.Error())
			continue
		}
		if changed {
			st.Transitions++
		}
	}

	st.CompletedAt = time.Now()
	r.setStatus(st)
	r.updateOpenCounts(ctx)
	telemetry.GetGlobalMetrics().RecordReconcilePass(ctx, string(StateCompleted), float64(st.CompletedAt.Sub(start).Milliseconds()))

	if st.Transitions > 0 || st.Errors > 0 {
		log.Info("Reconciliation pass completed",
			"signals", st.SignalsChecked,
			"targets", st.TargetsChecked,
			"transitions", st.Transitions,
			"errors", st.Errors)
	}
	return nil
}

func (r *Reconciler) checkRecord(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	recCtx, cancel := context.WithTimeout(ctx, r.recordTimeout)
	defer cancel()
	return fn(recCtx)
}

// reconcileSignal applies the reference account's view of the entry order
func (r *Reconciler) reconcileSignal(ctx context.Context, sig *core.Signal) (bool, error) {
	order, err := r.reference.Executor.GetOrder(ctx, sig.Symbol, sig.ID)

	var (
		ev     lifecycle.Event
		action lifecycle.Action
	)
	switch {
	case errors.Is(err, apperrors.ErrOrderNotFound):
		ev, action = lifecycle.EventNotFound, lifecycle.ActionUpdate
	case err != nil:
		return false, err
	default:
		ev, action = lifecycle.SignalEvent(order)
	}

	switch action {
	case lifecycle.ActionNone:
		return false, nil
	case lifecycle.ActionDelete:
		r.logger.Warn("Entry order absent on reference account, deleting signal",
			"signal_id", sig.ID, "symbol", sig.Symbol)
		return true, r.store.DeleteSignal(ctx, sig.ID)
	}

	next, err := lifecycle.Signal(sig.Status, ev)
	if err != nil {
		return false, err
	}

	if ev == lifecycle.EventFilled {
		return r.onEntryFilled(ctx, sig, order)
	}

	if err := r.store.UpdateSignalStatus(ctx, sig.ID, sig.Status, next); err != nil {
		return superseded(r.logger, sig.ID, err)
	}
	r.logger.Info("Signal canceled on exchange", "signal_id", sig.ID, "event", string(ev))
	return true, nil
}

// onEntryFilled persists the ladder targets and the CLOSE status before the
// protective orders are broadcast. Nothing is placed when the signal left
// OPEN during the pass.
func (r *Reconciler) onEntryFilled(ctx context.Context, sig *core.Signal, entry *core.Order) (bool, error) {
	targets := make([]*core.Target, len(sig.Ladder))
	for i := range sig.Ladder {
		targets[i] = &core.Target{
			SignalID: sig.ID,
			Number:   i + 1,
			TargetID: clientid.New(),
			Status:   core.StatusOpen,
		}
	}
	if err := r.store.CloseSignal(ctx, sig.ID, targets); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return superseded(r.logger, sig.ID, err)
		}
		return false, fmt.Errorf("failed to close signal: %w", err)
	}

	r.logger.Info("Entry filled, placing ladder and stop",
		"signal_id", sig.ID,
		"fill_price", entry.FillPrice().String(),
		"rungs", len(targets))
	r.protection.PlaceLadderAndStop(ctx, sig, targets)
	return true, nil
}

// reconcileTarget applies the reference account's view of a rung order
func (r *Reconciler) reconcileTarget(ctx context.Context, t *core.Target) (bool, error) {
	sig, err := r.store.GetSignal(ctx, t.SignalID)
	if err != nil {
		return false, err
	}

	order, err := r.reference.Executor.GetOrder(ctx, sig.Symbol, t.TargetID)
	if err != nil {
		return false, err
	}
	ev, action := lifecycle.TargetEvent(order)
	if action == lifecycle.ActionNone {
		return false, nil
	}

	next, err := lifecycle.Target(t.Status, ev)
	if err != nil {
		return false, err
	}
	if err := r.store.UpdateTargetStatus(ctx, t.TargetID, t.Status, next); err != nil {
		return superseded(r.logger, t.TargetID, err)
	}

	if ev == lifecycle.EventFilled {
		r.logger.Info("Target filled", "signal_id", sig.ID, "target_id", t.TargetID, "rung", t.Number)
		r.protection.RollStop(ctx, sig, t)
		return true, nil
	}
	r.logger.Info("Target ended on exchange", "target_id", t.TargetID, "event", string(ev))
	return true, nil
}

// superseded turns a lost status race into a no-op: another writer moved
// the record first and owns its side effects.
func superseded(logger core.ILogger, id string, err error) (bool, error) {
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		logger.Info("Record changed during pass, skipped", "id", id, "reason", err.Error())
		return false, nil
	}
	return false, err
}

func (r *Reconciler) fail(ctx context.Context, st Status, err error) error {
	st.State = StateFailed
	st.CompletedAt = time.Now()
	st.LastError = err.Error()
	r.setStatus(st)
	telemetry.GetGlobalMetrics().RecordReconcilePass(ctx, string(StateFailed), float64(st.CompletedAt.Sub(st.StartedAt).Milliseconds()))
	return err
}

func (r *Reconciler) setStatus(st Status) {
	r.statusMu.Lock()
	r.status = st
	r.statusMu.Unlock()
}

func (r *Reconciler) updateOpenCounts(ctx context.Context) {
	signals, err := r.store.ListSignalsByStatus(ctx, core.StatusOpen)
	if err != nil {
		return
	}
	targets, err := r.store.ListTargetsByStatus(ctx, core.StatusOpen)
	if err != nil {
		return
	}
	telemetry.GetGlobalMetrics().SetOpenCounts(int64(len(signals)), int64(len(targets)))
}
