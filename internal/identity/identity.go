// Package identity manages the opaque session and user identifiers that
// accompany every dialogue request. Both are random UUIDs created on first
// use, persisted in a [kv.Store] and kept until [Store.Clear].
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/kv"
)

// Storage keys for the persisted identifiers.
const (
	KeySessionID = "parley.session_id"
	KeyUserID    = "parley.user_id"
)

// Session is the identity pair sent with each dialogue request.
type Session struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Store hands out the persisted identifiers, creating them on first access.
// Values are cached after the first successful read. Safe for concurrent use.
type Store struct {
	kv    kv.Store
	newID func() string

	mu      sync.Mutex
	session string
	user    string
}

// Option configures a [Store].
type Option func(*Store)

// WithIDGenerator replaces the UUID generator. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New returns a Store persisting to backend.
func New(backend kv.Store, opts ...Option) *Store {
	s := &Store{kv: backend, newID: uuid.NewString}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionID returns the persisted session id, creating one if needed.
func (s *Store) SessionID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(ctx, KeySessionID, &s.session)
}

// UserID returns the persisted user id, creating one if needed.
func (s *Store) UserID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(ctx, KeyUserID, &s.user)
}

// Session returns both identifiers.
func (s *Store) Session(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, err := s.getOrCreateLocked(ctx, KeySessionID, &s.session)
	if err != nil {
		return Session{}, err
	}
	uid, err := s.getOrCreateLocked(ctx, KeyUserID, &s.user)
	if err != nil {
		return Session{}, err
	}
	return Session{SessionID: sid, UserID: uid}, nil
}

// Peek returns whatever identifiers exist without creating missing ones.
// An absent identifier is returned as "".
func (s *Store) Peek(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, err := s.loadLocked(ctx, KeySessionID, &s.session)
	if err != nil {
		return Session{}, err
	}
	uid, err := s.loadLocked(ctx, KeyUserID, &s.user)
	if err != nil {
		return Session{}, err
	}
	return Session{SessionID: sid, UserID: uid}, nil
}

// Clear forgets both identifiers. The next access generates new ones.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, KeySessionID, KeyUserID); err != nil {
		return fmt.Errorf("identity: clear: %w", err)
	}
	s.session, s.user = "", ""
	return nil
}

// Forget drops the in-memory cache without touching the store. Use it after
// the keys were removed by someone else, e.g. a bulk delete.
func (s *Store) Forget() {
	s.mu.Lock()
	s.session, s.user = "", ""
	s.mu.Unlock()
}

// loadLocked returns the cached or persisted value of key, or "" when there
// is none. Must be called with s.mu held.
func (s *Store) loadLocked(ctx context.Context, key string, cache *string) (string, error) {
	if *cache != "" {
		return *cache, nil
	}
	v, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("identity: load %s: %w", key, err)
	}
	*cache = string(v)
	return *cache, nil
}

// getOrCreateLocked must be called with s.mu held.
func (s *Store) getOrCreateLocked(ctx context.Context, key string, cache *string) (string, error) {
	id, err := s.loadLocked(ctx, key, cache)
	if err != nil || id != "" {
		return id, err
	}

	id = s.newID()
	if err := s.kv.Set(ctx, key, []byte(id)); err != nil {
		return "", fmt.Errorf("identity: store %s: %w", key, err)
	}
	*cache = id
	return id, nil
}
