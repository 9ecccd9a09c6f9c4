// Package circuitbreaker guards calls to external systems (the chain RPC)
// with a per-key closed -> open -> half-open breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures and probes
// again once cooldown has elapsed.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a Breaker. Non-positive arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn if the circuit for key allows it. isFailure decides
// whether fn's error counts against the circuit; nil means every error does.
func (b *Breaker) Execute(key string, isFailure func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// OpenKeys lists keys whose circuit is currently open.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, e := range b.entries {
		if e.state == StateOpen {
			keys = append(keys, k)
		}
	}
	return keys
}

// caller must hold b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
}
