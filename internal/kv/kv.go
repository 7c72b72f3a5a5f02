// Package kv defines the small key-value persistence contract used for client
// state that must survive a restart: the session identity and the transcript
// log.
//
// Two backends ship with the module: [FileStore], a JSON document on an
// [afero.Fs] (the OS filesystem in production, an in-memory filesystem in
// tests), and the PostgreSQL store in the kv/postgres sub-package.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat string-keyed byte store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes all given keys in one operation. Missing keys are not an
	// error.
	Delete(ctx context.Context, keys ...string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
