package stt

import (
	"context"
	"errors"
	"sync"
)

var (
	errAborted = errors.New("stt: run aborted")
	errClosed  = errors.New("stt: recognizer closed")
)

// Run is the handle a recognizer implementation holds for one active run.
type Run struct {
	ID RunID

	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopping chan struct{}
	stopOnce sync.Once
}

// Context is cancelled when the run is aborted or the context passed to
// Start ends.
func (r *Run) Context() context.Context { return r.ctx }

// Stopping is closed when a graceful stop was requested.
func (r *Run) Stopping() <-chan struct{} { return r.stopping }

// Aborted reports whether the run was ended by Abort.
func (r *Run) Aborted() bool { return errors.Is(context.Cause(r.ctx), errAborted) }

func (r *Run) stop() { r.stopOnce.Do(func() { close(r.stopping) }) }

// Runs implements the run bookkeeping shared by recognizer backends: run ID
// allocation, the single-run guard, Stop and Abort signalling, and ordered
// delivery of start and end events. The zero value is not usable; call
// [NewRuns].
type Runs struct {
	events chan Event
	closed chan struct{}

	mu        sync.Mutex
	seq       RunID
	active    *Run
	closeOnce sync.Once
}

// NewRuns returns a Runs whose event channel holds up to buffer events.
func NewRuns(buffer int) *Runs {
	return &Runs{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Events returns the shared event stream.
func (r *Runs) Events() <-chan Event { return r.events }

// Begin allocates a run and emits its EventStart.
func (r *Runs) Begin(ctx context.Context) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil, errClosed
	default:
	}
	if r.active != nil {
		r.mu.Unlock()
		return nil, ErrRunning
	}
	r.seq++
	rctx, cancel := context.WithCancelCause(ctx)
	run := &Run{ID: r.seq, ctx: rctx, cancel: cancel, stopping: make(chan struct{})}
	r.active = run
	r.mu.Unlock()

	r.Emit(run, Event{Kind: EventStart})
	return run, nil
}

// Emit delivers ev tagged with the run's ID. It blocks until the event is
// buffered or the Runs is closed.
func (r *Runs) Emit(run *Run, ev Event) {
	ev.Run = run.ID
	select {
	case r.events <- ev:
	case <-r.closed:
	}
}

// Fail emits an EventError for run.
func (r *Runs) Fail(run *Run, code ErrorCode, err error) {
	r.Emit(run, Event{Kind: EventError, Code: code, Err: err})
}

// Finish ends run. An aborted run reports [CodeAborted] first. Finish must
// be called exactly once per run, after all other events of the run.
func (r *Runs) Finish(run *Run) {
	if run.Aborted() {
		r.Fail(run, CodeAborted, errAborted)
	}
	run.cancel(nil)

	r.mu.Lock()
	if r.active == run {
		r.active = nil
	}
	r.mu.Unlock()

	r.Emit(run, Event{Kind: EventEnd})
}

// Stop requests a graceful stop of the active run.
func (r *Runs) Stop() {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()
	if run != nil {
		run.stop()
	}
}

// Abort cancels the active run.
func (r *Runs) Abort() {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()
	if run != nil {
		run.cancel(errAborted)
	}
}

// Active returns the ID of the active run, or zero.
func (r *Runs) Active() RunID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0
	}
	return r.active.ID
}

// Close aborts the active run and releases blocked emitters. Start fails
// afterwards.
func (r *Runs) Close() {
	r.Abort()
	r.closeOnce.Do(func() { close(r.closed) })
}
