package turn

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// State is the controller's position in the turn-taking cycle.
type State int

const (
	// Idle: not listening. Entered at startup and after a manual stop.
	Idle State = iota

	// Listening: the recognizer is active and fragments are fed to the
	// endpointing policy.
	Listening

	// AwaitingReply: an utterance was sent and the dialogue reply is pending.
	AwaitingReply

	// Speaking: the reply is being played back.
	Speaking

	// Error: the recognizer reported a fault. Left through the restart path
	// or an explicit Start.
	Error
)

// String returns the snake_case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case AwaitingReply:
		return "awaiting_reply"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Status is a point-in-time copy of the controller's observable state.
type Status struct {
	State State `json:"-"`

	// StateName mirrors State for JSON consumers.
	StateName string `json:"state"`

	// ManualStop is set after Stop until the next Start.
	ManualStop bool `json:"manual_stop"`

	// Recognizing reports whether a recognizer run is active and not being
	// torn down.
	Recognizing bool `json:"recognizing"`

	Run       stt.RunID     `json:"run,omitempty"`
	LastError stt.ErrorCode `json:"last_error,omitempty"`

	// Discarded counts fragments dropped because the controller was not
	// listening when they arrived.
	Discarded int `json:"discarded"`

	// Turns is the number of entries in the conversation log.
	Turns int `json:"turns"`

	// RestartBackoff is the delay applied to the last automatic restart.
	// Zero when the previous run lasted long enough.
	RestartBackoff time.Duration `json:"restart_backoff"`
}
