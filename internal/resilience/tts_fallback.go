package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with failover across several
// synthesizers. Only starting speech fails over; an error reported on the
// completion channel after playback began is passed through unchanged.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]

	mu     sync.Mutex
	active tts.Synthesizer
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesizer.
func (f *TTSFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Speak starts speech on the first synthesizer that accepts it.
func (f *TTSFallback) Speak(ctx context.Context, text, lang string) (<-chan error, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (<-chan error, error) {
		done, err := s.Speak(ctx, text, lang)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.active = s
		f.mu.Unlock()
		return done, nil
	})
}

// Cancel stops whichever synthesizer is currently speaking.
func (f *TTSFallback) Cancel() error {
	f.mu.Lock()
	s := f.active
	f.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Cancel()
}
