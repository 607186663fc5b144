package fanout

import (
	"context"
	"fmt"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"
	"copytrade/pkg/telemetry"
)

// Task is the work of one account. The returned note is shown in reports.
type Task func(ctx context.Context, acc *account.Account) (string, error)

// Options tunes a Dispatcher
type Options struct {
	// TaskTimeout bounds each queued account task
	TaskTimeout time.Duration
	// BatchWait bounds how long failures are collected before they are reported
	BatchWait time.Duration
	// FlushThreshold is the notification block size
	FlushThreshold int
}

// Dispatcher fans tasks out over the account pool through the job runner
type Dispatcher struct {
	pool     *account.Pool
	runner   core.IJobRunner
	notifier core.INotifier
	logger   core.ILogger
	opts     Options
}

func NewDispatcher(pool *account.Pool, runner core.IJobRunner, notifier core.INotifier, opts Options, logger core.ILogger) *Dispatcher {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if opts.BatchWait <= 0 {
		opts.BatchWait = 60 * time.Second
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	return &Dispatcher{
		pool:     pool,
		runner:   runner,
		notifier: notifier,
		logger:   logger.WithField("component", "dispatcher"),
		opts:     opts,
	}
}

// Pool returns the account pool the dispatcher fans out over
func (d *Dispatcher) Pool() *account.Pool {
	return d.pool
}

// Dispatch runs task on the reference account in the caller's context. If it
// fails the batch is aborted, the error is reported and returned. Otherwise the
// remaining accounts are queued on the job runner and the batch is returned
// without waiting for them.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, task Task) (*Batch, error) {
	accounts := d.pool.Accounts()
	batch := NewBatch(op, len(accounts))
	log := d.logger.WithFields(map[string]interface{}{"op": op, "batch_id": batch.ID})

	gate := accounts[0]
	note, err := runSafely(ctx, gate, task)
	if err != nil {
		err = apperrors.WrapAccount(gate.Name, op, err)
	}
	batch.Record(Result{Account: gate.Name, Note: note, Err: err})
	if err != nil {
		log.Error("Reference account failed, batch aborted", "account", gate.Name, "error", err.Error())
		for _, acc := range accounts[1:] {
			batch.Record(Result{Account: acc.Name, Err: fmt.Errorf("skipped: reference account failed")})
		}
		telemetry.GetGlobalMetrics().RecordBatch(ctx, op, 1)
		d.notify(ctx, fmt.Sprintf("[%s] aborted on %s: %v", op, gate.Name, err))
		return batch, err
	}

	d.submit(ctx, batch, accounts[1:], task, log)
	go d.finalize(batch, log)
	return batch, nil
}

// Broadcast queues task for every account, including the reference account
func (d *Dispatcher) Broadcast(ctx context.Context, op string, task Task) *Batch {
	accounts := d.pool.Accounts()
	batch := NewBatch(op, len(accounts))
	log := d.logger.WithFields(map[string]interface{}{"op": op, "batch_id": batch.ID})

	d.submit(ctx, batch, accounts, task, log)
	go d.finalize(batch, log)
	return batch
}

// submit queues one job per account. Jobs outlive the caller's context but
// keep its values, each under its own timeout.
func (d *Dispatcher) submit(ctx context.Context, batch *Batch, accounts []*account.Account, task Task, log core.ILogger) {
	base := context.WithoutCancel(ctx)
	for _, acc := range accounts {
		acc := acc
		err := d.runner.Submit(func() {
			taskCtx, cancel := context.WithTimeout(base, d.opts.TaskTimeout)
			defer cancel()

			note, err := runSafely(taskCtx, acc, task)
			if err != nil {
				err = apperrors.WrapAccount(acc.Name, batch.Op, err)
				log.Error("Account task failed", "account", acc.Name, "error", err.Error())
			}
			batch.Record(Result{Account: acc.Name, Note: note, Err: err})
		})
		if err != nil {
			log.Error("Failed to queue account task", "account", acc.Name, "error", err.Error())
			batch.Record(Result{Account: acc.Name, Err: apperrors.WrapAccount(acc.Name, batch.Op, err)})
		}
	}
}

// finalize waits for the batch and reports its failures to the operator
func (d *Dispatcher) finalize(batch *Batch, log core.ILogger) {
	ctx := context.Background()
	completed := batch.Wait(ctx, d.opts.BatchWait)

	failures := batch.Failures()
	telemetry.GetGlobalMetrics().RecordBatch(ctx, batch.Op, len(failures))

	if !completed {
		log.Warn("Batch did not complete in time",
			"recorded", len(batch.Results()),
			"expected", batch.Expected())
	}
	if len(failures) == 0 {
		log.Debug("Batch completed", "accounts", batch.Expected())
		return
	}
	for _, block := range batch.Report(d.opts.FlushThreshold, true) {
		d.notify(ctx, fmt.Sprintf("[%s] failures:\n%s", batch.Op, block))
	}
}

func (d *Dispatcher) notify(ctx context.Context, text string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, text); err != nil {
		d.logger.Warn("Failed to notify operator", "error", err.Error())
	}
}

func runSafely(ctx context.Context, acc *account.Account, task Task) (note string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx, acc)
}
