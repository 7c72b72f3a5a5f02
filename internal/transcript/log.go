package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one entry of the conversation log.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Fault marks assistant turns that carry a transport or backend failure
	// message instead of a real reply.
	Fault bool `json:"fault,omitempty"`
}

// Store persists the full ordered turn list. Implementations replace the
// stored list on every Save.
type Store interface {
	Load(ctx context.Context) ([]Turn, error)
	Save(ctx context.Context, turns []Turn) error
	Clear(ctx context.Context) error
}

// Log is the append-only, ordered record of a conversation. Every mutation is
// written through to the configured [Store]; a failed write is returned to the
// caller but the in-memory log keeps the change.
//
// All methods are safe for concurrent use.
type Log struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	turns []Turn
}

// LogOption configures a [Log].
type LogOption func(*Log)

// WithStore persists the log through s.
func WithStore(s Store) LogOption {
	return func(l *Log) { l.store = s }
}

// WithClock overrides the time source used to stamp turns.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog returns an empty log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Restore replaces the in-memory log with the persisted one. It is a no-op
// when no store is configured.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	turns, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("transcript: restore: %w", err)
	}
	l.mu.Lock()
	l.turns = turns
	l.mu.Unlock()
	return nil
}

// Append records a turn. A zero Timestamp is filled from the log's clock.
// The stamped turn is returned.
func (l *Log) Append(ctx context.Context, t Turn) (Turn, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = l.now()
	}
	l.mu.Lock()
	l.turns = append(l.turns, t)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	return t, l.persist(ctx, snapshot)
}

// Turns returns a copy of all turns in insertion order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of recorded turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Replace swaps the whole log for turns, e.g. after an import.
func (l *Log) Replace(ctx context.Context, turns []Turn) error {
	l.mu.Lock()
	l.turns = append([]Turn(nil), turns...)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(ctx, snapshot)
}

// Clear empties the log and removes the persisted copy.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.turns = nil
	l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	if err := l.store.Clear(ctx); err != nil {
		return fmt.Errorf("transcript: clear: %w", err)
	}
	return nil
}

func (l *Log) snapshotLocked() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *Log) persist(ctx context.Context, turns []Turn) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Save(ctx, turns); err != nil {
		return fmt.Errorf("transcript: persist: %w", err)
	}
	return nil
}
