// Package command provides a [tts.Synthesizer] that speaks by running an
// external program such as espeak-ng or say(1). The program plays audio
// itself; the utterance completes when the process exits.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Placeholders substituted in argument templates.
const (
	PlaceholderText = "{text}"
	PlaceholderLang = "{lang}"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer runs one process per utterance.
type Synthesizer struct {
	name string
	args []string

	runner tts.Runner
}

// New returns a synthesizer running name with args. Every occurrence of
// {text} and {lang} in args is replaced per utterance. When no argument
// mentions {text}, the text is written to the process's stdin.
func New(name string, args ...string) (*Synthesizer, error) {
	if name == "" {
		return nil, errors.New("command: program name must not be empty")
	}
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	return &Synthesizer{name: name, args: args}, nil
}

// NewEspeak returns a synthesizer using espeak-ng with the voice derived
// from the Speak language tag.
func NewEspeak() (*Synthesizer, error) {
	return New("espeak-ng", "-v", PlaceholderLang, PlaceholderText)
}

// Speak implements [tts.Synthesizer].
func (s *Synthesizer) Speak(ctx context.Context, text, lang string) (<-chan error, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("command: text must not be empty")
	}
	args, stdin := s.expand(text, lang)
	return s.runner.Start(ctx, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, s.name, args...)
		if stdin {
			cmd.Stdin = strings.NewReader(text)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("command: %s: %w: %s", s.name, err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}), nil
}

// Cancel implements [tts.Synthesizer].
func (s *Synthesizer) Cancel() error {
	s.runner.Cancel()
	return nil
}

// expand substitutes placeholders. It reports whether the text must be fed
// on stdin.
func (s *Synthesizer) expand(text, lang string) ([]string, bool) {
	r := strings.NewReplacer(PlaceholderText, text, PlaceholderLang, strings.ToLower(lang))
	out := make([]string, len(s.args))
	stdin := true
	for i, a := range s.args {
		if strings.Contains(a, PlaceholderText) {
			stdin = false
		}
		out[i] = r.Replace(a)
	}
	return out, stdin
}
