package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/internal/kv"
)

// StorageKey is the fixed key under which the transcript log is persisted.
const StorageKey = "parley.transcript"

var _ Store = (*KVStore)(nil)

// KVStore persists the turn list as one JSON document in a [kv.Store].
type KVStore struct {
	kv kv.Store
}

// NewKVStore returns a [Store] writing to s under [StorageKey].
func NewKVStore(s kv.Store) *KVStore {
	return &KVStore{kv: s}
}

// Load implements [Store]. A missing entry yields an empty log.
func (s *KVStore) Load(ctx context.Context) ([]Turn, error) {
	data, err := s.kv.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StorageKey, err)
	}
	return turns, nil
}

// Save implements [Store].
func (s *KVStore) Save(ctx context.Context, turns []Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode %s: %w", StorageKey, err)
	}
	return s.kv.Set(ctx, StorageKey, data)
}

// Clear implements [Store].
func (s *KVStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, StorageKey)
}
