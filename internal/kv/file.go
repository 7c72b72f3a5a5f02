package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps all entries in a single JSON object on disk. Every write
// replaces the file atomically by writing a sibling temp file and renaming it.
type FileStore struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	entries map[string]string
	closed  bool
}

// NewFileStore opens (or lazily creates) the store file at path on fsys.
// A missing file is treated as an empty store.
func NewFileStore(fsys afero.Fs, path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("kv: file store path must not be empty")
	}
	s := &FileStore{fs: fsys, path: path, entries: make(map[string]string)}

	data, err := afero.ReadFile(fsys, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("kv: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("kv: decode %q: %w", path, err)
	}
	return s, nil
}

// NewMemStore returns a [FileStore] backed by an in-memory filesystem.
func NewMemStore() *FileStore {
	s, _ := NewFileStore(afero.NewMemMapFs(), "parley.json")
	return s
}

// Get implements [Store].
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Set implements [Store].
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("kv: store is closed")
	}
	prev, had := s.entries[key]
	s.entries[key] = string(value)
	if err := s.flushLocked(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

// Delete implements [Store].
func (s *FileStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("kv: store is closed")
	}
	removed := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.entries[k]; ok {
			removed[k] = v
			delete(s.entries, k)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		for k, v := range removed {
			s.entries[k] = v
		}
		return err
	}
	return nil
}

// Ping implements [Store]. It makes sure the parent directory exists.
func (s *FileStore) Ping(_ context.Context) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kv: ping %q: %w", dir, err)
	}
	return nil
}

// Close implements [Store]. Subsequent writes fail; reads keep working.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// flushLocked writes the current entries to disk. Must be called with s.mu held.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("kv: encode: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("kv: create %q: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("kv: write %q: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("kv: rename %q: %w", tmp, err)
	}
	return nil
}
