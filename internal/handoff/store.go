// Package handoff is the keyed value store tasks use to pass data
// downstream: a task pushes its output under a key, its successor pulls it.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Keys written by the pipeline tasks.
const (
	KeyExtracted   = "extracted_data"
	KeyTransformed = "transformed_data"
)

// ErrNotFound is returned by Pull when nothing was pushed under the key.
var ErrNotFound = errors.New("handoff: key not found")

// Store passes values between tasks. runKey scopes values to one run
// (the run date); values are JSON-encoded, so v must round-trip through
// encoding/json.
type Store interface {
	Push(ctx context.Context, runKey, key string, v any) error
	Pull(ctx context.Context, runKey, key string, v any) error
}

// MemoryStore keeps values in process. It is used when all tasks of a run
// execute in the same process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func memoryKey(runKey, key string) string {
	return runKey + "/" + key
}

// Push stores a JSON snapshot of v, so later mutation of v by the caller
// does not affect what successors pull.
func (s *MemoryStore) Push(_ context.Context, runKey, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("handoff: encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[memoryKey(runKey, key)] = data
	s.mu.Unlock()
	return nil
}

// Pull decodes the value stored under key into v.
func (s *MemoryStore) Pull(_ context.Context, runKey, key string, v any) error {
	s.mu.RLock()
	data, ok := s.values[memoryKey(runKey, key)]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, runKey, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("handoff: decode %s: %w", key, err)
	}
	return nil
}
