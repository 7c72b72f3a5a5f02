// Package tts defines the Synthesizer capability used to speak dialogue
// replies.
//
// A synthesizer speaks one utterance at a time. Speak returns as soon as
// speech has started and reports completion on the returned channel, which
// receives exactly one value (nil on success) and is then closed. Cancel stops
// the current utterance; its completion channel then receives [ErrCancelled].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is delivered on the completion channel of an utterance that
// was stopped by Cancel or superseded by a newer Speak call.
var ErrCancelled = errors.New("tts: speech cancelled")

// Synthesizer is the abstraction over any speech output backend.
type Synthesizer interface {
	// Speak starts speaking text. lang is a BCP-47 tag such as "ja-JP".
	// A non-nil error means speech never started.
	Speak(ctx context.Context, text, lang string) (<-chan error, error)

	// Cancel stops the current utterance, if any.
	Cancel() error
}

// Runner runs one utterance at a time in a goroutine and lets Cancel stop
// it. Synthesizers embed it to implement the completion channel contract.
// The zero value is ready to use.
type Runner struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// Start runs speak in a new goroutine, cancelling any utterance still in
// progress. The returned channel follows the [Synthesizer] contract.
func (r *Runner) Start(ctx context.Context, speak func(ctx context.Context) error) <-chan error {
	jctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	r.cancel = func() { cancel(ErrCancelled) }
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := speak(jctx)
		if err != nil && jctx.Err() != nil {
			err = context.Cause(jctx)
		}
		cancel(nil)

		r.mu.Lock()
		if r.seq == seq {
			r.cancel = nil
		}
		r.mu.Unlock()

		done <- err
	}()
	return done
}

// Cancel stops the utterance started last. It is a no-op when idle.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports whether an utterance is in progress.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
