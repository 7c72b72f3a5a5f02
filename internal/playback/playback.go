// Package playback speaks dialogue replies to completion.
//
// The [Coordinator] wraps a [tts.Synthesizer] and turns its asynchronous
// completion channel into a blocking call with a completion timeout, so a
// synthesizer that never reports back cannot stall the turn controller.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrTimeout is returned by [Coordinator.Speak] when the synthesizer did not
// report completion within the timeout. The synthesizer has been cancelled.
var ErrTimeout = errors.New("playback: completion timed out")

// Timeout estimate parameters used when no fixed timeout is configured.
const (
	baseTimeout    = 5 * time.Second
	perRuneTimeout = 120 * time.Millisecond
	maxTimeout     = 2 * time.Minute
)

// EstimateTimeout returns the completion timeout for text: a base allowance
// plus a per-character allowance, capped at two minutes.
func EstimateTimeout(text string) time.Duration {
	d := baseTimeout + time.Duration(utf8.RuneCountInString(text))*perRuneTimeout
	return min(d, maxTimeout)
}

// Coordinator plays one reply at a time. Speak is intended to be called from
// a single goroutine.
type Coordinator struct {
	synth   tts.Synthesizer
	lang    string
	timeout time.Duration
	metrics *observe.Metrics
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithTimeout fixes the completion timeout. Zero selects [EstimateTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMetrics records playbacks on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns a coordinator speaking in language lang (a BCP-47 tag).
func New(synth tts.Synthesizer, lang string, opts ...Option) (*Coordinator, error) {
	if synth == nil {
		return nil, errors.New("playback: synthesizer must not be nil")
	}
	c := &Coordinator{synth: synth, lang: lang}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Speak speaks text and returns once the synthesizer reports completion, the
// timeout elapses ([ErrTimeout]) or ctx ends. Blank text completes at once.
func (c *Coordinator) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = EstimateTimeout(text)
	}

	start := time.Now()
	done, err := c.synth.Speak(ctx, text, c.lang)
	if err != nil {
		return fmt.Errorf("playback: speak: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		c.metrics.RecordPlayback(ctx, time.Since(start).Seconds(), false)
		return err
	case <-timer.C:
		if cerr := c.synth.Cancel(); cerr != nil {
			slog.Warn("playback: cancel after timeout failed", "err", cerr)
		}
		slog.Warn("playback: synthesizer did not complete in time", "timeout", timeout)
		c.metrics.RecordPlayback(ctx, time.Since(start).Seconds(), true)
		return ErrTimeout
	case <-ctx.Done():
		_ = c.synth.Cancel()
		return ctx.Err()
	}
}

// Cancel stops the current playback, if any.
func (c *Coordinator) Cancel() error {
	return c.synth.Cancel()
}
