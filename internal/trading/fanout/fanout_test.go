package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/core"
	"copytrade/internal/mock"
	"copytrade/internal/trading/order"
	"copytrade/internal/trading/sizing"
	"copytrade/pkg/concurrency"
	apperrors "copytrade/pkg/errors"

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

func newPool(t *testing.T, names ...string) *account.Pool {
	t.Helper()
	accounts := make([]*account.Account, len(names))
	for i, n := range names {
		ex := mock.NewMockExchange(n)
		accounts[i] = &account.Account{
			Index:    i,
			Name:     n,
			Exchange: ex,
			Executor: order.NewOrderExecutor(n, ex, sizing.NewSizer(decimal.Zero), core.MarginCrossed, &mockLogger{}),
		}
	}
	pool, err := account.NewPool(accounts)
	require.NoError(t, err)
	return pool
}

func newWorkerPool(t *testing.T) *concurrency.WorkerPool {
	t.Helper()
	wp := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "dispatch-test", MaxWorkers: 4, MaxCapacity: 100, IdleTimeout: time.Second,
	}, &mockLogger{})
	t.Cleanup(wp.Stop)
	return wp
}

func TestDispatch_GateRunsBeforeOthers(t *testing.T) {
	pool := newPool(t, "a1", "a2", "a3", "a4")
	notifier := mock.NewMockNotifier()
	d := NewDispatcher(pool, newWorkerPool(t), notifier, Options{BatchWait: time.Second}, &mockLogger{})

	var gateDone atomic.Bool
	var violations atomic.Int32
	batch, err := d.Dispatch(context.Background(), "entry", func(ctx context.Context, acc *account.Account) (string, error) {
		if acc.Index == 0 {
			time.Sleep(20 * time.Millisecond)
			gateDone.Store(true)
			return "gate", nil
		}
		if !gateDone.Load() {
			violations.Add(1)
		}
		return "", nil
	})
	require.NoError(t, err)
	require.True(t, batch.Wait(context.Background(), 2*time.Second))

	assert.Len(t, batch.Results(), 4)
	assert.Empty(t, batch.Failures())
	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, "a1", batch.Results()[0].Account)
}

func TestDispatch_GateFailureAborts(t *testing.T) {
	pool := newPool(t, "a1", "a2", "a3")
	notifier := mock.NewMockNotifier()
	d := NewDispatcher(pool, newWorkerPool(t), notifier, Options{}, &mockLogger{})

	var ran atomic.Int32
	batch, err := d.Dispatch(context.Background(), "entry", func(ctx context.Context, acc *account.Account) (string, error) {
		ran.Add(1)
		if acc.Index == 0 {
			return "", apperrors.ErrInsufficientFunds
		}
		return "", nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	var accErr *apperrors.AccountError
	require.True(t, errors.As(err, &accErr))
	assert.Equal(t, "a1", accErr.Account)

	assert.Equal(t, int32(1), ran.Load())
	assert.True(t, batch.Wait(context.Background(), time.Second))
	assert.Contains(t, notifier.Joined(), "aborted on a1")
}

// One account failing never affects the others and is reported
func TestDispatch_FollowerFailureIsolated(t *testing.T) {
	pool := newPool(t, "a1", "a2", "a3")
	notifier := mock.NewMockNotifier()
	d := NewDispatcher(pool, newWorkerPool(t), notifier, Options{BatchWait: time.Second}, &mockLogger{})

	batch, err := d.Dispatch(context.Background(), "entry", func(ctx context.Context, acc *account.Account) (string, error) {
		if acc.Name == "a2" {
			return "", apperrors.ErrInsufficientPrecision
		}
		return "placed", nil
	})
	require.NoError(t, err)
	require.True(t, batch.Wait(context.Background(), 2*time.Second))

	failures := batch.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "a2", failures[0].Account)
	assert.ErrorIs(t, failures[0].Err, apperrors.ErrInsufficientPrecision)
	assert.Len(t, batch.Results(), 3)

	assert.Eventually(t, func() bool {
		return strings.Contains(notifier.Joined(), "a2: entry failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	pool := newPool(t, "a1", "a2")
	d := NewDispatcher(pool, mock.InlineRunner{}, nil, Options{}, &mockLogger{})

	batch, err := d.Dispatch(context.Background(), "entry", func(ctx context.Context, acc *account.Account) (string, error) {
		if acc.Index == 1 {
			panic("boom")
		}
		return "", nil
	})
	require.NoError(t, err)
	require.True(t, batch.Wait(context.Background(), time.Second))
	require.Len(t, batch.Failures(), 1)
	assert.Contains(t, batch.Failures()[0].Err.Error(), "panicked")
}

func TestBroadcast_RunsEveryAccount(t *testing.T) {
	pool := newPool(t, "a1", "a2", "a3", "a4", "a5")
	d := NewDispatcher(pool, newWorkerPool(t), nil, Options{}, &mockLogger{})

	var mu sync.Mutex
	seen := map[string]bool{}
	batch := d.Broadcast(context.Background(), "ladder", func(ctx context.Context, acc *account.Account) (string, error) {
		mu.Lock()
		seen[acc.Name] = true
		mu.Unlock()
		return "", nil
	})
	require.True(t, batch.Wait(context.Background(), 2*time.Second))
	assert.Len(t, seen, 5)
}

// Follower tasks must not be cut off by the caller returning
func TestBroadcast_TasksOutliveCallerContext(t *testing.T) {
	pool := newPool(t, "a1", "a2")
	d := NewDispatcher(pool, newWorkerPool(t), nil, Options{}, &mockLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	batch := d.Broadcast(ctx, "close", func(ctx context.Context, acc *account.Account) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "", ctx.Err()
	})
	cancel()

	require.True(t, batch.Wait(context.Background(), 2*time.Second))
	assert.Empty(t, batch.Failures())
}

func TestBatch_WaitTimesOut(t *testing.T) {
	b := NewBatch("slow", 2)
	b.Record(Result{Account: "a1"})

	start := time.Now()
	assert.False(t, b.Wait(context.Background(), 30*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)

	b.Record(Result{Account: "a2"})
	assert.True(t, b.Wait(context.Background(), time.Second))
}

func TestBlocks(t *testing.T) {
	line := strings.Repeat("x", 100)
	lines := make([]string, 80)
	for i := range lines {
		lines[i] = line
	}

	blocks := Blocks(lines, 3500)
	require.Len(t, blocks, 3)
	for _, b := range blocks[:2] {
		assert.Greater(t, len(b), 3500)
		assert.Less(t, len(b), 3500+len(line)+2)
	}
	assert.Equal(t, strings.Join(lines, "\n"), strings.Join(blocks, "\n"))

	assert.Empty(t, Blocks(nil, 3500))
	assert.Equal(t, []string{"a\nb"}, Blocks([]string{"a", "b"}, 3500))
}

func TestResultLine(t *testing.T) {
	assert.Equal(t, "a1: entry ok", Result{Account: "a1", Op: "entry"}.Line())
	assert.Equal(t, "a1: balance 10", Result{Account: "a1", Op: "balance", Note: "balance 10"}.Line())
	assert.Equal(t, "a1: entry failed: boom", Result{Account: "a1", Op: "entry", Err: errors.New("boom")}.Line())
}
