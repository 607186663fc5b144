package concurrency

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"copytrade/internal/core"

	"github.com/alitto/pond"
)

// ErrPoolStopped is returned when work is submitted after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns error instead of blocking when full
}

// WorkerPool wraps alitto/pond and serves as the job runner for account fan-out.
// In blocking mode late work waits for a free slot instead of being dropped.
type WorkerPool struct {
	pool    *pond.WorkerPool
	config  PoolConfig
	logger  core.ILogger
	stopped atomic.Bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: log,
	}
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) error {
	if wp.stopped.Load() {
		return ErrPoolStopped
	}
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued work to finish and rejects further submissions
func (wp *WorkerPool) Stop() {
	if wp.stopped.Swap(true) {
		return
	}
	wp.logger.Info("Stopping worker pool", "waiting_tasks", wp.pool.WaitingTasks())
	wp.pool.StopAndWait()
}

// CheckHealth fails when the queue is saturated
func (wp *WorkerPool) CheckHealth() error {
	if wp.stopped.Load() {
		return ErrPoolStopped
	}
	if waiting := wp.pool.WaitingTasks(); waiting >= uint64(wp.config.MaxCapacity) {
		return fmt.Errorf("worker pool '%s' saturated: %d waiting", wp.config.Name, waiting)
	}
	return nil
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
