// Package stt defines the Recognizer capability: a continuous speech
// recognizer that is started and stopped explicitly and reports its life
// cycle as a stream of events.
//
// A recognizer performs one run at a time. Every run produces exactly one
// [EventStart] first and one [EventEnd] last; [EventResult] and [EventError]
// events may occur in between. Each event carries the [RunID] returned by
// Start so that consumers can ignore events from a run they already
// abandoned.
//
// Result events follow the continuous-recognition model: Results holds every
// hypothesis of the run so far and ResultIndex is the first entry that
// changed. A final entry never changes again.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrRunning is returned by Start while a run is in progress.
var ErrRunning = errors.New("stt: recognizer already running")

// RunID identifies one recognizer run. The zero value is never issued.
type RunID uint64

// EventKind distinguishes recognizer events.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventResult
	EventError
	EventEnd
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ErrorCode classifies a recognizer fault.
type ErrorCode string

const (
	CodeNoSpeech     ErrorCode = "no-speech"
	CodeAudioCapture ErrorCode = "audio-capture"
	CodeNotAllowed   ErrorCode = "not-allowed"
	CodeNetwork      ErrorCode = "network"
	CodeAborted      ErrorCode = "aborted"
)

// Result is one recognition hypothesis.
type Result struct {
	Transcript string
	IsFinal    bool
}

// Event is a recognizer life cycle notification.
type Event struct {
	Run  RunID
	Kind EventKind

	// Code and Err are set for EventError.
	Code ErrorCode
	Err  error

	// Results and ResultIndex are set for EventResult.
	Results     []Result
	ResultIndex int
}

// Changed returns the results from ResultIndex on.
func (e Event) Changed() []Result {
	if e.ResultIndex < 0 || e.ResultIndex >= len(e.Results) {
		return nil
	}
	return e.Results[e.ResultIndex:]
}

// Recognizer is the abstraction over any continuous speech recognizer.
//
// Implementations must be safe for concurrent use. The Events channel is
// shared by all runs and is never closed while the recognizer is in use.
type Recognizer interface {
	// Start begins a new run. It returns [ErrRunning] if one is active.
	// The run ends when ctx is cancelled, on Stop or Abort, or on its own
	// (for example when the backend closes the stream).
	Start(ctx context.Context) (RunID, error)

	// Stop ends the current run gracefully; audio already captured is still
	// recognized before EventEnd. No-op when idle.
	Stop() error

	// Abort ends the current run immediately, discarding pending audio. The
	// run reports an [CodeAborted] error before its EventEnd. No-op when idle.
	Abort() error

	// Events returns the event stream.
	Events() <-chan Event
}
