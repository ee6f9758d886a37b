// Package breaker implements a three-state, consecutive-failure-counting
// circuit breaker (C1) guarding the two external dependencies: the
// field-data API and the generative-model synthesis API.
package breaker

import (
	"sync"
	"time"

	"github.com/auditforge/auditforge/internal/observability"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds the four tunables from section 4.1. All have spec defaults.
type Config struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxCalls  int
	SuccessThreshold  int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

// Stats is the snapshot returned by Stats(), used by the health endpoint.
type Stats struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	TotalCalls          int64   `json:"total_calls"`
	TotalSuccesses      int64   `json:"total_successes"`
	TotalFailures       int64   `json:"total_failures"`
	TimeInCurrentState  float64 `json:"time_in_current_state_seconds"`
}

// Breaker is one named circuit breaker instance. Every public method is
// serialized under a single lock, as section 4.1 requires.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	lastFailure         time.Time
	stateSince          time.Time
	totalCalls          int64
	totalSuccesses      int64
	totalFailures       int64
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:       name,
		cfg:        cfg,
		state:      Closed,
		stateSince: time.Now(),
	}
}

// CanExecute implements the can_execute() operation of section 4.1,
// including the lazily-observed Open→HalfOpen time check.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.totalCalls++
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			b.halfOpenInFlight = 1
			b.totalCalls++
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			b.totalCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess implements record_success().
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0

	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

// RecordFailure implements record_failure().
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailure = time.Now()

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

// Reset forces Closed and zeros the consecutive-failure and half-open
// counters; the lifetime call totals reported by Stats are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
}

// State returns the current state, performing the same lazy Open→HalfOpen
// check as CanExecute but without consuming a half-open call slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
	}
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		TimeInCurrentState:  time.Since(b.stateSince).Seconds(),
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if to == HalfOpen {
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}
	if to == Open {
		b.halfOpenInFlight = 0
	}
	b.state = to
	b.stateSince = time.Now()

	var stateVal float64
	switch to {
	case HalfOpen:
		stateVal = 1
	case Open:
		stateVal = 2
	}
	observability.CircuitBreakerState.WithLabelValues(b.name).Set(stateVal)
	observability.CircuitBreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}
