package endpoint

import (
	"errors"
	"strings"

	"github.com/MrWong99/parley/internal/transcript"
)

// DefaultTriggerPhrase is the spoken hand-over word ("please go ahead").
const DefaultTriggerPhrase = "どうぞ"

var _ Policy = (*Trigger)(nil)

// Trigger accumulates finalized fragments until the accumulated text ends
// with the trigger phrase. The match is an exact, case-sensitive suffix.
// Interim fragments are ignored.
type Trigger struct {
	phrase string
	acc    transcript.Accumulator
}

// NewTrigger returns a trigger policy waiting for phrase. An empty phrase
// selects [DefaultTriggerPhrase]; a phrase of only whitespace is rejected.
func NewTrigger(phrase string) (*Trigger, error) {
	if phrase == "" {
		phrase = DefaultTriggerPhrase
	}
	if strings.TrimSpace(phrase) == "" {
		return nil, errors.New("endpoint: trigger phrase must not be blank")
	}
	return &Trigger{phrase: phrase}, nil
}

// Phrase returns the configured trigger phrase.
func (t *Trigger) Phrase() string { return t.phrase }

// Observe implements [Policy]. When the trigger matches, the accumulator is
// cleared whether or not any content preceded the phrase, so the phrase on
// its own never produces a completion.
func (t *Trigger) Observe(f Fragment) []Completion {
	if !f.Final || !t.acc.Append(f.Text) {
		return nil
	}
	text := t.acc.Peek()
	if !strings.HasSuffix(text, t.phrase) {
		return nil
	}
	t.acc.Reset()

	body := strings.TrimSpace(strings.TrimSuffix(text, t.phrase))
	if body == "" {
		return nil
	}
	return []Completion{{Text: body}}
}

// Expired implements [Policy]. Trigger has no timers.
func (t *Trigger) Expired() <-chan Completion { return nil }

// Pause implements [Policy].
func (t *Trigger) Pause() {}

// Reset implements [Policy].
func (t *Trigger) Reset() { t.acc.Reset() }
