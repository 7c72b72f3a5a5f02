// Package mock provides a scripted [stt.Recognizer] for tests.
//
// Start, Stop and Abort behave like a real recognizer: every run emits a
// start event first and an end event last, and an aborted run reports an
// aborted error before its end. Results, errors and spontaneous ends are
// injected by the test with Interim, Final, Fail and End.
//
//	rec := mock.NewRecognizer()
//	id, _ := rec.Start(ctx)
//	rec.Final("こんにちは")
//	rec.End() // the engine timed out on its own
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	runs *stt.Runs

	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// ManualEnd keeps a stopped run open until End is called, mimicking a
	// recognizer that flushes results after Stop.
	ManualEnd bool

	// ManualAbort keeps an aborted run open until End is called, mimicking
	// a backend that tears its stream down asynchronously.
	ManualAbort bool

	cur        *stt.Run
	results    []stt.Result
	startCount int
	stopCount  int
	abortCount int
	started    chan stt.RunID
}

var _ stt.Recognizer = (*Recognizer)(nil)

// NewRecognizer returns a ready mock with a buffered event stream.
func NewRecognizer() *Recognizer {
	return &Recognizer{
		runs:    stt.NewRuns(256),
		started: make(chan stt.RunID, 64),
	}
}

// Start implements stt.Recognizer.
func (r *Recognizer) Start(ctx context.Context) (stt.RunID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCount++
	if r.StartErr != nil {
		return 0, r.StartErr
	}
	run, err := r.runs.Begin(ctx)
	if err != nil {
		return 0, err
	}
	r.cur = run
	r.results = nil
	select {
	case r.started <- run.ID:
	default:
	}
	return run.ID, nil
}

// Stop implements stt.Recognizer.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCount++
	if r.cur == nil {
		return nil
	}
	r.runs.Stop()
	if !r.ManualEnd {
		r.finishLocked()
	}
	return nil
}

// Abort implements stt.Recognizer.
func (r *Recognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortCount++
	if r.cur == nil {
		return nil
	}
	r.runs.Abort()
	if !r.ManualAbort {
		r.finishLocked()
	}
	return nil
}

// Events implements stt.Recognizer.
func (r *Recognizer) Events() <-chan stt.Event { return r.runs.Events() }

// Interim emits an interim hypothesis for the active run. It reports false
// when no run is active.
func (r *Recognizer) Interim(text string) bool {
	return r.emitResult(stt.Result{Transcript: text})
}

// Final emits a final result for the active run.
func (r *Recognizer) Final(text string) bool {
	return r.emitResult(stt.Result{Transcript: text, IsFinal: true})
}

func (r *Recognizer) emitResult(res stt.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return false
	}
	idx := len(r.results)
	if idx > 0 && !r.results[idx-1].IsFinal {
		idx--
		r.results[idx] = res
	} else {
		r.results = append(r.results, res)
	}
	r.runs.Emit(r.cur, stt.Event{
		Kind:        stt.EventResult,
		Results:     append([]stt.Result(nil), r.results...),
		ResultIndex: idx,
	})
	return true
}

// Fail emits an error event with code for the active run.
func (r *Recognizer) Fail(code stt.ErrorCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return false
	}
	r.runs.Fail(r.cur, code, errors.New("mock: "+string(code)))
	return true
}

// End finishes the active run as if the engine stopped on its own.
func (r *Recognizer) End() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return false
	}
	r.finishLocked()
	return true
}

func (r *Recognizer) finishLocked() {
	r.runs.Finish(r.cur)
	r.cur = nil
}

// Active returns the ID of the active run, or zero.
func (r *Recognizer) Active() stt.RunID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return 0
	}
	return r.cur.ID
}

// Started delivers the ID of every successful Start, up to 64 unread.
func (r *Recognizer) Started() <-chan stt.RunID { return r.started }

// StartCount returns the number of Start calls, including failed ones.
func (r *Recognizer) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startCount
}

// StopCount returns the number of Stop calls.
func (r *Recognizer) StopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCount
}

// AbortCount returns the number of Abort calls.
func (r *Recognizer) AbortCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortCount
}
