// Package console provides a text-mode [stt.Recognizer]: every non-empty
// input line becomes one final result of the active run.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer reads utterances from an io.Reader, one per line.
type Recognizer struct {
	in   io.Reader
	runs *stt.Runs

	once  sync.Once
	lines chan string
	done  chan struct{}
	err   error
}

// New returns a recognizer reading lines from in. Reading starts with the
// first run and continues in the background until in is exhausted.
func New(in io.Reader) *Recognizer {
	return &Recognizer{
		in:    in,
		runs:  stt.NewRuns(64),
		lines: make(chan string),
		done:  make(chan struct{}),
	}
}

// Done is closed when the input is exhausted.
func (r *Recognizer) Done() <-chan struct{} { return r.done }

// Err returns the read error that ended the input, or nil for a clean EOF.
// Only valid after Done is closed.
func (r *Recognizer) Err() error { return r.err }

// Start implements [stt.Recognizer].
func (r *Recognizer) Start(ctx context.Context) (stt.RunID, error) {
	select {
	case <-r.done:
		return 0, errors.New("console: input closed")
	default:
	}
	r.once.Do(func() { go r.scan() })
	run, err := r.runs.Begin(ctx)
	if err != nil {
		return 0, err
	}
	go r.run(run)
	return run.ID, nil
}

// Stop implements [stt.Recognizer].
func (r *Recognizer) Stop() error {
	r.runs.Stop()
	return nil
}

// Abort implements [stt.Recognizer].
func (r *Recognizer) Abort() error {
	r.runs.Abort()
	return nil
}

// Events implements [stt.Recognizer].
func (r *Recognizer) Events() <-chan stt.Event { return r.runs.Events() }

// Close releases the event stream.
func (r *Recognizer) Close() error {
	r.runs.Close()
	return nil
}

func (r *Recognizer) scan() {
	defer close(r.done)
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		r.lines <- sc.Text()
	}
	r.err = sc.Err()
}

func (r *Recognizer) run(run *stt.Run) {
	defer r.runs.Finish(run)
	var results []stt.Result
	for {
		select {
		case <-run.Context().Done():
			return
		case <-run.Stopping():
			return
		case <-r.done:
			if r.err != nil {
				slog.Warn("console: input failed", "err", r.err)
			}
			r.runs.Fail(run, stt.CodeAudioCapture, errors.New("console: input closed"))
			return
		case line := <-r.lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			results = append(results, stt.Result{Transcript: line, IsFinal: true})
			r.runs.Emit(run, stt.Event{
				Kind:        stt.EventResult,
				Results:     append([]stt.Result(nil), results...),
				ResultIndex: len(results) - 1,
			})
		}
	}
}
