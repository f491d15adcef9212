// Package health runs the readiness checks behind /health: the database,
// the shared velocity window, the event bus and the prediction backend.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker reports an error when the subsystem is unusable.
type Checker func(ctx context.Context) error

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	critical bool
}

// NewRegistry creates a registry whose checks each get timeout; zero means
// DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical check. A failing critical check makes the
// service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, critical: true})
}

// RegisterOptional adds a check that is reported but never fails the
// aggregate. Used for dependencies the service degrades around.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the aggregate plus
// per-subsystem results sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	st = Status{Name: nc.name, Critical: nc.critical}
	defer func() {
		if p := recover(); p != nil {
			st.Healthy = false
			st.Detail = "check panicked"
		}
		st.LatencyMS = time.Since(start).Milliseconds()
	}()

	if err := nc.check(ctx); err != nil {
		st.Detail = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
