// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for unit tests. Both record their calls and are safe for
// concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Source is a mock [audio.Source]. Every Capture call returns a fresh
// channel fed by Push; the channel closes when the capture context ends or
// when Fail is called.
type Source struct {
	mu sync.Mutex

	// CaptureErr, if non-nil, is returned by Capture.
	CaptureErr error

	// SourceFormat is returned by Format. Zero means audio.SpeechFormat.
	SourceFormat audio.Format

	// CaptureCount is the number of successful Capture calls.
	CaptureCount int

	cur  chan audio.Frame
	stop chan struct{}
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SourceFormat.Valid() {
		return s.SourceFormat
	}
	return audio.SpeechFormat
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CaptureErr != nil {
		return nil, s.CaptureErr
	}
	s.CaptureCount++
	in := make(chan audio.Frame, 64)
	out := make(chan audio.Frame)
	stop := make(chan struct{})
	s.cur, s.stop = in, stop

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case f := <-in:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()
	return out, nil
}

// Push delivers a frame to the active capture. It reports false when no
// capture is active.
func (s *Source) Push(data []byte) bool {
	s.mu.Lock()
	in := s.cur
	f := s.SourceFormat
	s.mu.Unlock()
	if in == nil {
		return false
	}
	if !f.Valid() {
		f = audio.SpeechFormat
	}
	in <- audio.Frame{Data: data, Format: f}
	return true
}

// Fail ends the active capture as if the device disappeared.
func (s *Source) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop, s.cur = nil, nil
	}
}

// PlayCall records a single Sink.Play invocation.
type PlayCall struct {
	PCM    []byte
	Format audio.Format
}

// Sink is a mock [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// Block, if non-nil, makes Play wait until it is closed or the context
	// ends.
	Block chan struct{}

	calls []PlayCall
}

var _ audio.Sink = (*Sink)(nil)

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	s.mu.Lock()
	s.calls = append(s.calls, PlayCall{PCM: append([]byte(nil), pcm...), Format: f})
	block, err := s.Block, s.PlayErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a copy of all recorded Play calls.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.calls))
	copy(out, s.calls)
	return out
}
