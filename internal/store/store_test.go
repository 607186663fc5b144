package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]core.ISignalStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "copytrade.db"), decimal.NewFromInt(2000))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]core.ISignalStore{
		"sqlite": sqlite,
		"memory": NewMemoryStore(decimal.NewFromInt(2000)),
	}
}

func sampleSignal(id string, created time.Time) *core.Signal {
	return &core.Signal{
		ID:         id,
		Symbol:     "BTCUSDT",
		Kind:       core.KindLong,
		EntryPrice: decimal.RequireFromString("65000.5"),
		Size:       core.PercentOfBalance(25),
		Leverage:   20,
		Status:     core.StatusOpen,
		Ladder: []core.Rung{
			{Price: decimal.NewFromInt(66000), Percent: 50},
			{Price: decimal.NewFromInt(67000), Percent: 50},
		},
		StopPrice: decimal.NewFromInt(64000),
		CreatedAt: created,
	}
}

func TestStore_SignalLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)

			require.NoError(t, s.CreateSignal(ctx, sampleSignal("sig1", now)))

			exists, err := s.SignalExists(ctx, "sig1")
			require.NoError(t, err)
			assert.True(t, exists)

			got, err := s.GetSignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Equal(t, core.KindLong, got.Kind)
			assert.Equal(t, "25%", got.Size.String())
			assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("65000.5")))
			require.Len(t, got.Ladder, 2)
			assert.True(t, got.Ladder[1].Price.Equal(decimal.NewFromInt(67000)))
			assert.Equal(t, 50, got.Ladder[1].Percent)
			assert.True(t, got.CreatedAt.Equal(now))

			require.NoError(t, s.UpdateSignalStop(ctx, "sig1", 42, "sig1_stoploss"))
			require.NoError(t, s.UpdateSignalStatus(ctx, "sig1", core.StatusOpen, core.StatusClose))

			got, err = s.GetSignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusClose, got.Status)
			assert.Equal(t, int64(42), got.StopOrderID)
			assert.Equal(t, "sig1_stoploss", got.StopClientOrderID)

			open, err := s.ListSignalsByStatus(ctx, core.StatusOpen)
			require.NoError(t, err)
			assert.Empty(t, open)

			require.NoError(t, s.DeleteSignal(ctx, "sig1"))
			_, err = s.GetSignal(ctx, "sig1")
			assert.ErrorIs(t, err, apperrors.ErrSignalNotFound)
			assert.ErrorIs(t, s.UpdateSignalStatus(ctx, "sig1", core.StatusClose, core.StatusOpen), apperrors.ErrSignalNotFound)
		})
	}
}

func TestStore_ListSignalsNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Truncate(time.Millisecond)
			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, s.CreateSignal(ctx, sampleSignal(id, base.Add(time.Duration(i)*time.Second))))
			}

			list, err := s.ListSignals(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			require.NoError(t, s.UpdateSignalStatus(ctx, "c", core.StatusOpen, core.StatusCanceled))
			list, err = s.ListSignals(ctx, core.StatusOpen, 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "b", list[0].ID)

			open, err := s.ListSignalsByStatus(ctx, core.StatusOpen)
			require.NoError(t, err)
			require.Len(t, open, 2)
			assert.Equal(t, "a", open[0].ID)
		})
	}
}

func TestStore_Targets(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSignal(ctx, sampleSignal("sig1", time.Now())))

			require.NoError(t, s.CreateTargets(ctx, []*core.Target{
				{SignalID: "sig1", Number: 1, TargetID: "t1", Status: core.StatusOpen},
				{SignalID: "sig1", Number: 2, TargetID: "t2", Status: core.StatusOpen},
			}))

			require.NoError(t, s.UpdateTargetStatus(ctx, "t1", core.StatusOpen, core.StatusClose))
			assert.ErrorIs(t, s.UpdateTargetStatus(ctx, "missing", core.StatusOpen, core.StatusClose), apperrors.ErrTargetNotFound)

			open, err := s.ListTargetsByStatus(ctx, core.StatusOpen)
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, "t2", open[0].TargetID)

			all, err := s.ListTargetsBySignal(ctx, "sig1")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, 1, all[0].Number)
			assert.Equal(t, core.StatusClose, all[0].Status)

			// deleting the signal drops its targets
			require.NoError(t, s.DeleteSignal(ctx, "sig1"))
			all, err = s.ListTargetsBySignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStore_StatusWritesCompareAndSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSignal(ctx, sampleSignal("sig1", time.Now())))
			require.NoError(t, s.UpdateSignalStatus(ctx, "sig1", core.StatusOpen, core.StatusCanceled))

			// a writer holding a stale OPEN snapshot loses
			err := s.UpdateSignalStatus(ctx, "sig1", core.StatusOpen, core.StatusClose)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			got, err := s.GetSignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusCanceled, got.Status)

			require.NoError(t, s.CreateTargets(ctx, []*core.Target{
				{SignalID: "sig1", Number: 1, TargetID: "t1", Status: core.StatusOpen},
			}))
			require.NoError(t, s.UpdateTargetStatus(ctx, "t1", core.StatusOpen, core.StatusClose))
			err = s.UpdateTargetStatus(ctx, "t1", core.StatusOpen, core.StatusCanceled)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

			all, err := s.ListTargetsBySignal(ctx, "sig1")
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, core.StatusClose, all[0].Status)
		})
	}
}

func TestStore_CloseSignal(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSignal(ctx, sampleSignal("sig1", time.Now())))
			require.NoError(t, s.CreateSignal(ctx, sampleSignal("sig2", time.Now())))

			require.NoError(t, s.CloseSignal(ctx, "sig1", []*core.Target{
				{SignalID: "sig1", Number: 1, TargetID: "t1", Status: core.StatusOpen},
				{SignalID: "sig1", Number: 2, TargetID: "t2", Status: core.StatusOpen},
			}))
			got, err := s.GetSignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusClose, got.Status)
			targets, err := s.ListTargetsBySignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Len(t, targets, 2)

			// closing twice writes nothing
			err = s.CloseSignal(ctx, "sig1", []*core.Target{
				{SignalID: "sig1", Number: 1, TargetID: "t3", Status: core.StatusOpen},
			})
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			targets, err = s.ListTargetsBySignal(ctx, "sig1")
			require.NoError(t, err)
			assert.Len(t, targets, 2)

			// a failed target insert leaves the signal OPEN
			err = s.CloseSignal(ctx, "sig2", []*core.Target{
				{SignalID: "sig2", Number: 1, TargetID: "t1", Status: core.StatusOpen},
			})
			require.Error(t, err)
			got, err = s.GetSignal(ctx, "sig2")
			require.NoError(t, err)
			assert.Equal(t, core.StatusOpen, got.Status)

			assert.ErrorIs(t, s.CloseSignal(ctx, "missing", nil), apperrors.ErrSignalNotFound)
		})
	}
}

func TestStore_Settings(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			settings, err := s.GetSettings(ctx)
			require.NoError(t, err)
			assert.True(t, settings.LimitBalance.Equal(decimal.NewFromInt(2000)))

			require.NoError(t, s.SetLimitBalance(ctx, decimal.NewFromInt(750)))
			settings, err = s.GetSettings(ctx)
			require.NoError(t, err)
			assert.True(t, settings.LimitBalance.Equal(decimal.NewFromInt(750)))
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestSQLiteStore_SettingsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copytrade.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, decimal.NewFromInt(2000))
	require.NoError(t, err)
	require.NoError(t, s.SetLimitBalance(ctx, decimal.NewFromInt(900)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, decimal.NewFromInt(2000))
	require.NoError(t, err)
	defer s.Close()

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.LimitBalance.Equal(decimal.NewFromInt(900)))
}
