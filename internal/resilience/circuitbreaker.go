// Package resilience provides the circuit breaker guarding remote calls and a
// generic failover group for interchangeable backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). The
// dialogue client wraps every backend exchange in one so that a dead server
// yields an immediate fault reply instead of a long timeout per turn.
// [FallbackGroup] tries backends in order, each behind its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failing
	// probe re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the lower-case state name used in logs and metrics.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in half-open state.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probesIssued    int
	probesPassed    int
}

// NewCircuitBreaker creates a breaker. Zero config fields take defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	callErr := fn()
	cb.record(probe, callErr == nil)
	return callErr
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	transitioned := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, transitioned = cb.state, true
		cb.state = StateHalfOpen
		cb.probesIssued, cb.probesPassed = 0, 0
	case StateHalfOpen:
		if cb.probesIssued >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}

	probe = cb.state == StateHalfOpen
	if probe {
		cb.probesIssued++
	}
	cb.mu.Unlock()

	if transitioned {
		cb.notify(from, StateHalfOpen)
	}
	return probe, nil
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(probe, ok bool) {
	cb.mu.Lock()
	from := cb.state
	to := from

	switch {
	case probe && !ok:
		to = StateOpen
		cb.openedAt = cb.now()
	case probe && ok:
		cb.probesPassed++
		if cb.probesPassed >= cb.halfOpenMax {
			to = StateClosed
			cb.consecutiveFail = 0
		}
	case !ok:
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
			to = StateOpen
			cb.openedAt = cb.now()
		}
	default:
		cb.consecutiveFail = 0
	}
	cb.state = to
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from.String())
	default:
		slog.Info("circuit breaker state change", "name", cb.name, "from", from.String(), "to", to.String())
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probesIssued, cb.probesPassed = 0, 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
