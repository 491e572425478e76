// Package resilience keeps the runtime responsive while its dependencies
// flap. [CircuitBreaker] fails calls fast once a backend has proven
// unhealthy, and [FallbackGroup] routes around a broken primary towards
// registered fallbacks, each guarded by its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects the call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough
	// successes close the breaker; one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the tuning knobs for a [CircuitBreaker].
// Zero-value fields take the defaults noted below.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change notifications.
	Name string

	// MaxFailures is the consecutive-failure count that trips a closed
	// breaker open. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds both the probe calls admitted while half-open and
	// the successes required to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called on every transition after the
	// breaker's own bookkeeping is settled. It runs under the breaker's
	// lock and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a three-state breaker: closed while the backend is
// healthy, open after too many consecutive failures, half-open while
// probing for recovery.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int // consecutive failures while closed
	probes   int // calls admitted since entering half-open
	healed   int // successful probes since entering half-open
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker from cfg, filling in defaults
// for zero-value fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
	}
}

// Execute runs fn when the breaker admits the call and folds its outcome
// back into the failure accounting. A rejected call returns
// [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err == nil)
	return err
}

// allow decides whether one call may proceed. The probe flag marks calls
// admitted in the half-open state; settle needs it to attribute the
// outcome correctly.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.probes, cb.healed = 0, 0
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records one call outcome.
func (cb *CircuitBreaker) settle(probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case ok && probe:
		cb.healed++
		if cb.state == StateHalfOpen && cb.healed >= cb.halfOpenMax {
			cb.failures = 0
			cb.setState(StateClosed)
		}
	case ok:
		cb.failures = 0
	case probe:
		// One failed probe sends the breaker straight back to open.
		cb.failures = cb.maxFailures
		cb.openedAt = time.Now()
		if cb.state == StateHalfOpen {
			cb.setState(StateOpen)
		}
	default:
		cb.failures++
		cb.openedAt = time.Now()
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	}
}

// setState transitions, logs, and notifies. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.name, "consecutive_failures", cb.failures)
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored transition
// happens on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.probes, cb.healed = 0, 0, 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}
