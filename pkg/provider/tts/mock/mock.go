// Package mock provides a test double for the tts.Synthesizer interface.
//
// By default every utterance completes immediately with Result. Set Manual to
// keep utterances running until the test calls Finish or Cancel.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	Text string
	Lang string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by Speak and no utterance starts.
	SpeakErr error

	// Result is delivered on the completion channel of automatic utterances.
	Result error

	// Manual keeps utterances pending until Finish or Cancel.
	Manual bool

	// CancelErr is returned by Cancel.
	CancelErr error

	calls       []SpeakCall
	cancelCount int
	pending     chan error
	started     chan SpeakCall
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Speak implements tts.Synthesizer.
func (s *Synthesizer) Speak(_ context.Context, text, lang string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := SpeakCall{Text: text, Lang: lang}
	s.calls = append(s.calls, call)
	if s.SpeakErr != nil {
		return nil, s.SpeakErr
	}
	if s.started != nil {
		select {
		case s.started <- call:
		default:
		}
	}

	done := make(chan error, 1)
	if s.Manual {
		if s.pending != nil {
			s.pending <- tts.ErrCancelled
			close(s.pending)
		}
		s.pending = done
		return done, nil
	}
	done <- s.Result
	close(done)
	return done, nil
}

// Cancel implements tts.Synthesizer.
func (s *Synthesizer) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCount++
	if s.pending != nil {
		s.pending <- tts.ErrCancelled
		close(s.pending)
		s.pending = nil
	}
	return s.CancelErr
}

// Finish completes the pending manual utterance with err. It reports false
// if nothing was pending.
func (s *Synthesizer) Finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.pending <- err
	close(s.pending)
	s.pending = nil
	return true
}

// Started returns a channel receiving every subsequent Speak call. It is
// created on first use with room for 16 calls.
func (s *Synthesizer) Started() <-chan SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan SpeakCall, 16)
	}
	return s.started
}

// Calls returns a copy of all recorded Speak calls.
func (s *Synthesizer) Calls() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpeakCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CancelCount returns how often Cancel was called.
func (s *Synthesizer) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCount
}
