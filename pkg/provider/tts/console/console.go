// Package console provides a synthesizer that prints replies instead of
// speaking them. It is the text-mode counterpart of the speech backends.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Synthesizer writes each utterance as one line to an io.Writer.
type Synthesizer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New returns a synthesizer writing to w. Every line starts with prefix.
func New(w io.Writer, prefix string) *Synthesizer {
	return &Synthesizer{w: w, prefix: prefix}
}

// Speak prints text and completes immediately.
func (s *Synthesizer) Speak(ctx context.Context, text, _ string) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, err := fmt.Fprintf(s.w, "%s%s\n", s.prefix, text)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("console: write: %w", err)
	}
	done := make(chan error, 1)
	done <- nil
	close(done)
	return done, nil
}

// Cancel is a no-op; printing is instantaneous.
func (s *Synthesizer) Cancel() error { return nil }
