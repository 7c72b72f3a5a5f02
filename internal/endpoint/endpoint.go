// Package endpoint decides when a spoken utterance is complete.
//
// A [Policy] is fed recognition fragments while the controller is listening
// and answers with zero or more [Completion] values. Two strategies exist:
//
//   - [Silence] completes every finalized fragment immediately and, when no
//     fragment has arrived for a configurable quiet period, completes the
//     still-pending interim text and asks the caller to stop listening.
//   - [Trigger] accumulates finalized fragments until the text ends with a
//     fixed trigger phrase, then completes everything before the phrase.
//
// Policies are driven from a single goroutine (the turn controller's event
// loop) but timer expiries are delivered on the channel returned by
// [Policy.Expired], so a policy must be safe against its own timer goroutine.
package endpoint

import (
	"fmt"
	"time"
)

// Fragment is one recognition hypothesis for the current speech segment.
type Fragment struct {
	Text  string
	Final bool
}

// Completion signals that an utterance is ready to be sent.
type Completion struct {
	// Text is the utterance content. Never empty.
	Text string

	// StopListening is set when the completion was produced by a quiet-period
	// timeout; the controller should deactivate the recognizer.
	StopListening bool
}

// Policy is an endpointing strategy.
type Policy interface {
	// Observe feeds a fragment and returns completions that are ready now.
	Observe(f Fragment) []Completion

	// Expired delivers completions produced by timers. It returns nil for
	// policies without timers; receiving from a nil channel blocks forever,
	// which is the desired behaviour inside a select.
	Expired() <-chan Completion

	// Pause cancels pending timers without discarding buffered text. Called
	// whenever the controller leaves the listening state.
	Pause()

	// Reset cancels timers and discards all buffered text.
	Reset()
}

// Strategy names a [Policy] implementation.
type Strategy string

const (
	StrategySilence Strategy = "silence"
	StrategyTrigger Strategy = "trigger"
)

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategySilence || s == StrategyTrigger
}

// New builds the policy for s. Options not relevant to s are ignored.
func New(s Strategy, opts ...Option) (Policy, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	switch s {
	case StrategySilence:
		return NewSilence(o.silenceTimeout), nil
	case StrategyTrigger:
		t, err := NewTrigger(o.triggerPhrase)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("endpoint: unknown strategy %q", s)
	}
}

// Option configures [New].
type Option func(*options)

type options struct {
	silenceTimeout time.Duration
	triggerPhrase  string
}

// WithSilenceTimeout sets the quiet period of the silence strategy.
func WithSilenceTimeout(d time.Duration) Option {
	return func(o *options) { o.silenceTimeout = d }
}

// WithTriggerPhrase sets the phrase the trigger strategy waits for.
func WithTriggerPhrase(phrase string) Option {
	return func(o *options) { o.triggerPhrase = phrase }
}
