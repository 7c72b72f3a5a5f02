// Package transcript holds the text side of a conversation: the [Accumulator]
// that buffers finalized recognition fragments into a pending utterance, and
// the append-only [Log] of user and assistant turns together with its JSON
// export format.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator buffers finalized speech fragments until an endpointing policy
// decides the utterance is complete. It is safe for concurrent use.
//
// The zero value is ready to use.
type Accumulator struct {
	mu        sync.Mutex
	fragments []string
}

// Append adds fragment to the pending buffer. Fragments that are empty or
// consist only of whitespace are ignored. Surrounding whitespace is trimmed so
// that consecutive fragments are always joined by exactly one space.
//
// It reports whether the fragment was kept.
func (a *Accumulator) Append(fragment string) bool {
	f := strings.TrimSpace(fragment)
	if f == "" {
		return false
	}
	a.mu.Lock()
	a.fragments = append(a.fragments, f)
	a.mu.Unlock()
	return true
}

// Take returns the pending text and clears the buffer.
func (a *Accumulator) Take() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := strings.Join(a.fragments, " ")
	a.fragments = nil
	return s
}

// Peek returns the pending text without clearing the buffer.
func (a *Accumulator) Peek() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.fragments, " ")
}

// Len returns the number of buffered fragments.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}

// Reset discards the pending buffer.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.fragments = nil
	a.mu.Unlock()
}
