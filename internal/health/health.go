// Package health aggregates named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds each check so one hung dependency cannot stall
// the whole report.
const DefaultCheckTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem. It should return once ctx
// is done.
type Checker func(ctx context.Context) Status

type namedChecker struct {
	name  string
	check Checker
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check. Results are reported in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and reports whether all passed.
// A check still running at its deadline counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]namedChecker(nil), r.checkers...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	select {
	case st := <-done:
		if st.Name == "" {
			st.Name = nc.name
		}
		return st
	case <-ctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: "check timed out"}
	}
}
