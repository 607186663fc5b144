// Package health aggregates component health checks
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"copytrade/internal/core"
)

// Check reports a component's health; nil means healthy
type Check func(ctx context.Context) error

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]Check
}

// NewHealthManager creates a new health manager. Each check runs under timeout.
func NewHealthManager(logger core.ILogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	hm := &HealthManager{
		timeout: timeout,
		checks:  make(map[string]Check),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check Check) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components returns the registered component names, sorted
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStatus runs every check and reports "Healthy" or "Unhealthy: <reason>"
// per component, along with the overall result.
func (hm *HealthManager) GetStatus(ctx context.Context) (map[string]string, bool) {
	hm.mu.RLock()
	checks := make(map[string]Check, len(hm.checks))
	for name, c := range hm.checks {
		checks[name] = c
	}
	hm.mu.RUnlock()

	status := make(map[string]string, len(checks))
	healthy := true
	for component, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			healthy = false
			status[component] = "Unhealthy: " + err.Error()
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", component, "error", err.Error())
			}
			continue
		}
		status[component] = "Healthy"
	}
	return status, healthy
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	_, healthy := hm.GetStatus(ctx)
	return healthy
}

// Freshness fails when last is older than maxAge. A zero last time passes
// until grace has elapsed since the check was created.
func Freshness(name string, last func() time.Time, maxAge, grace time.Duration) Check {
	created := time.Now()
	return func(ctx context.Context) error {
		t := last()
		if t.IsZero() {
			if time.Since(created) > grace {
				return fmt.Errorf("%s has not completed since startup", name)
			}
			return nil
		}
		if age := time.Since(t); age > maxAge {
			return fmt.Errorf("%s last completed %s ago", name, age.Round(time.Second))
		}
		return nil
	}
}

// FromFunc adapts a context-free check
func FromFunc(fn func() error) Check {
	return func(context.Context) error {
		return fn()
	}
}
