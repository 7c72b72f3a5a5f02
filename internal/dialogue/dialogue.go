// Package dialogue exchanges user utterances with the remote dialogue
// backend.
//
// A [Client] never fails: transport errors, non-success status codes and
// open circuit breakers all become a [Reply] with Fault set and a message
// the user can be told. The turn controller therefore treats every outcome
// the same way and always has something to speak.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/internal/identity"
)

// Reply is the outcome of one exchange.
type Reply struct {
	// Text is the backend's answer or, for a fault, the fault message.
	Text string

	// Fault marks a reply synthesized from a failed exchange.
	Fault bool
}

// Client sends an utterance and returns the reply.
type Client interface {
	Send(ctx context.Context, text string, session identity.Session) Reply
}

// Placeholders understood by [Faults] templates.
const (
	PlaceholderStatus = "{status}"
	PlaceholderError  = "{error}"
)

// Faults holds the message templates for fault replies.
type Faults struct {
	// Status is used for non-success HTTP responses. {status} is replaced by
	// the numeric code.
	Status string

	// Transport is used for every other failure. {error} is replaced by the
	// error text.
	Transport string
}

// DefaultFaults are used for empty templates.
var DefaultFaults = Faults{
	Status:    "The server returned an error (status {status}).",
	Transport: "The server could not be reached: {error}",
}

// Message renders the fault reply text for err.
func (f Faults) Message(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		tmpl := f.Status
		if tmpl == "" {
			tmpl = DefaultFaults.Status
		}
		return strings.ReplaceAll(tmpl, PlaceholderStatus, strconv.Itoa(se.Code))
	}
	tmpl := f.Transport
	if tmpl == "" {
		tmpl = DefaultFaults.Transport
	}
	return strings.ReplaceAll(tmpl, PlaceholderError, err.Error())
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IdentityError is returned by the user name operations. It is surfaced at
// registration and never reaches the turn controller.
type IdentityError struct {
	Op  string
	Err error
}

func (e *IdentityError) Error() string { return "dialogue: " + e.Op + ": " + e.Err.Error() }

func (e *IdentityError) Unwrap() error { return e.Err }
