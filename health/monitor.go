package health

import (
	"context"
	"sort"
	"sync"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Monitor runs registered health checks on demand.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a named check.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove drops a named check.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Components returns the registered check names, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check and aggregates the results under
// the system name.
func (m *Monitor) Check(ctx context.Context, system string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			subs = append(subs, NewUnhealthy(name, err.Error()))
		} else {
			subs = append(subs, NewHealthy(name, ""))
		}
	}
	return Aggregate(system, subs)
}
