package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the circuit breaker created for each entry of a
// [FallbackGroup]. The breaker name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback values of the same
// backend type. Calls go to the first entry whose breaker admits them; a
// failing entry hands over to the next one in registration order.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	mu      sync.RWMutex
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
	fg.mu.Unlock()
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return len(fg.entries)
}

// States reports the breaker state of every entry keyed by entry name.
func (fg *FallbackGroup[T]) States() map[string]State {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Healthy reports whether at least one entry would currently admit a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, s := range fg.States() {
		if s != StateOpen {
			return true
		}
	}
	return false
}

func (fg *FallbackGroup[T]) snapshot() []fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]fallbackEntry[T], len(fg.entries))
	copy(out, fg.entries)
	return out
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with an open breaker are skipped. When all fail the result wraps
// [ErrAllFailed] and the last error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a function because methods cannot declare type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for _, entry := range fg.snapshot() {
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, circuit open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
