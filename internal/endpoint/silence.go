package endpoint

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/transcript"
)

// DefaultSilenceTimeout is the quiet period used when none is configured.
const DefaultSilenceTimeout = 3 * time.Second

var _ Policy = (*Silence)(nil)

// Silence completes finalized fragments immediately and times out on quiet.
//
// Every fragment with non-empty text restarts the countdown. When it fires,
// the latest interim text that was never finalized is delivered on
// [Silence.Expired] with StopListening set. Expiries from a countdown that
// was restarted or cancelled in the meantime are suppressed.
type Silence struct {
	timeout time.Duration
	acc     transcript.Accumulator
	expired chan Completion

	mu      sync.Mutex
	epoch   uint64
	timer   *time.Timer
	pending string
}

// NewSilence returns a silence policy. A non-positive timeout selects
// [DefaultSilenceTimeout].
func NewSilence(timeout time.Duration) *Silence {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Silence{
		timeout: timeout,
		expired: make(chan Completion, 1),
	}
}

// Timeout returns the configured quiet period.
func (s *Silence) Timeout() time.Duration { return s.timeout }

// Observe implements [Policy].
func (s *Silence) Observe(f Fragment) []Completion {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	s.restartLocked()
	if f.Final {
		s.pending = ""
	} else {
		s.pending = text
	}
	s.mu.Unlock()

	if !f.Final {
		return nil
	}
	s.acc.Append(text)
	if out := s.acc.Take(); out != "" {
		return []Completion{{Text: out}}
	}
	return nil
}

// Expired implements [Policy].
func (s *Silence) Expired() <-chan Completion { return s.expired }

// Pause implements [Policy].
func (s *Silence) Pause() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.drain()
}

// Reset implements [Policy].
func (s *Silence) Reset() {
	s.mu.Lock()
	s.stopLocked()
	s.pending = ""
	s.mu.Unlock()
	s.acc.Reset()
	s.drain()
}

// restartLocked replaces the running countdown. Must be called with s.mu held.
func (s *Silence) restartLocked() {
	s.stopLocked()
	epoch := s.epoch
	s.timer = time.AfterFunc(s.timeout, func() { s.fire(epoch) })
}

// stopLocked cancels the countdown and invalidates any expiry already in
// flight. Must be called with s.mu held.
func (s *Silence) stopLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Silence) fire(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	defer s.mu.Unlock()
	s.timer = nil
	text := s.pending
	s.pending = ""
	if text == "" {
		return
	}
	// Sent under s.mu so a concurrent Pause or Reset drains it.
	select {
	case s.expired <- Completion{Text: text, StopListening: true}:
	default:
		slog.Warn("endpoint: dropping silence expiry, previous one not consumed", "text_len", len(text))
	}
}

func (s *Silence) drain() {
	for {
		select {
		case <-s.expired:
		default:
			return
		}
	}
}
