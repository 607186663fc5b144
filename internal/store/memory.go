package store

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

// MemoryStore is a process-local core.ISignalStore used by paper mode and tests
type MemoryStore struct {
	mu       sync.RWMutex
	signals  map[string]*core.Signal
	targets  []*core.Target
	settings core.Settings
	seq      int64
}

func NewMemoryStore(defaultLimitBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		signals:  make(map[string]*core.Signal),
		settings: core.Settings{LimitBalance: defaultLimitBalance},
	}
}

func (m *MemoryStore) CreateSignal(ctx context.Context, sig *core.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[sig.ID]; ok {
		return fmt.Errorf("signal %s already exists", sig.ID)
	}
	if sig.CreatedAt.IsZero() {
		// keep insertion order stable for equal wall clock readings
		m.seq++
		sig.CreatedAt = time.Now().Add(time.Duration(m.seq))
	}
	m.signals[sig.ID] = cloneSignal(sig)
	return nil
}

func (m *MemoryStore) GetSignal(ctx context.Context, id string) (*core.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	return cloneSignal(sig), nil
}

func (m *MemoryStore) SignalExists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.signals[id]
	return ok, nil
}

func (m *MemoryStore) ListSignalsByStatus(ctx context.Context, status core.Status) ([]*core.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Signal
	for _, sig := range m.signals {
		if sig.Status == status {
			out = append(out, cloneSignal(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListSignals(ctx context.Context, status core.Status, limit int) ([]*core.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]*core.Signal, 0, len(m.signals))
	for _, sig := range m.signals {
		if status == "" || sig.Status == status {
			out = append(out, cloneSignal(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSignalStatus(ctx context.Context, id string, from, to core.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, err := m.signalIn(id, from)
	if err != nil {
		return err
	}
	sig.Status = to
	return nil
}

func (m *MemoryStore) CloseSignal(ctx context.Context, id string, targets []*core.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, err := m.signalIn(id, core.StatusOpen)
	if err != nil {
		return err
	}
	if err := m.appendTargets(targets); err != nil {
		return err
	}
	sig.Status = core.StatusClose
	return nil
}

// signalIn returns the stored signal when it still holds status. Callers hold mu.
func (m *MemoryStore) signalIn(id string, status core.Status) (*core.Signal, error) {
	sig, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	if sig.Status != status {
		return nil, fmt.Errorf("%w: %s is %s, not %s", apperrors.ErrInvalidTransition, id, sig.Status, status)
	}
	return sig, nil
}

func (m *MemoryStore) UpdateSignalStop(ctx context.Context, id string, orderID int64, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	sig.StopOrderID = orderID
	sig.StopClientOrderID = clientOrderID
	return nil
}

func (m *MemoryStore) DeleteSignal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[id]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	delete(m.signals, id)
	kept := m.targets[:0]
	for _, t := range m.targets {
		if t.SignalID != id {
			kept = append(kept, t)
		}
	}
	m.targets = kept
	return nil
}

func (m *MemoryStore) CreateTargets(ctx context.Context, targets []*core.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTargets(targets)
}

func (m *MemoryStore) appendTargets(targets []*core.Target) error {
	for _, t := range targets {
		for _, existing := range m.targets {
			if existing.TargetID == t.TargetID {
				return fmt.Errorf("target %s already exists", t.TargetID)
			}
		}
	}
	for _, t := range targets {
		cp := *t
		m.targets = append(m.targets, &cp)
	}
	return nil
}

func (m *MemoryStore) ListTargetsByStatus(ctx context.Context, status core.Status) ([]*core.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Target
	for _, t := range m.targets {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTargetsBySignal(ctx context.Context, signalID string) ([]*core.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Target
	for _, t := range m.targets {
		if t.SignalID == signalID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) UpdateTargetStatus(ctx context.Context, targetID string, from, to core.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.TargetID != targetID {
			continue
		}
		if t.Status != from {
			return fmt.Errorf("%w: %s is %s, not %s", apperrors.ErrInvalidTransition, targetID, t.Status, from)
		}
		t.Status = to
		return nil
	}
	return fmt.Errorf("%w: %s", apperrors.ErrTargetNotFound, targetID)
}

func (m *MemoryStore) GetSettings(ctx context.Context) (*core.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.settings
	return &s, nil
}

func (m *MemoryStore) SetLimitBalance(ctx context.Context, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.LimitBalance = value
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneSignal(s *core.Signal) *core.Signal {
	cp := *s
	if s.Ladder != nil {
		cp.Ladder = make([]core.Rung, len(s.Ladder))
		copy(cp.Ladder, s.Ladder)
	}
	return &cp
}
