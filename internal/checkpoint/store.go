// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package checkpoint persists the replication progress of every tailed
// namespace. All stores are monotonic: a write that does not move a
// checkpoint forward is ignored.
package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/mongoriver/core/river"
)

// Store is the durable position store used by the runtime to seed tailers
// and by the indexer to record progress.
type Store interface {
	// GetCheckpoint returns the position for the namespace key, and false
	// if none was ever recorded.
	GetCheckpoint(ctx context.Context, key string) (river.Position, bool, error)

	// PutCheckpoint records pos for the key unless the stored position is
	// already at or after it.
	PutCheckpoint(ctx context.Context, key string, pos river.Position) error

	// Checkpoints returns every checkpoint whose key starts with prefix,
	// ordered by key.
	Checkpoints(ctx context.Context, prefix string) ([]river.Checkpoint, error)

	// DeleteCheckpoints removes every checkpoint whose key starts with
	// prefix.
	DeleteCheckpoints(ctx context.Context, prefix string) error
}

// MemoryStore keeps checkpoints in process. It is used for ephemeral
// deployments and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]river.Position
}

// NewMemoryStore returns an empty in memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]river.Position)}
}

// GetCheckpoint is part of Store.
func (s *MemoryStore) GetCheckpoint(_ context.Context, key string) (river.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	return pos, ok, nil
}

// PutCheckpoint is part of Store.
func (s *MemoryStore) PutCheckpoint(_ context.Context, key string, pos river.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.positions[key]; ok && !pos.After(current) {
		return nil
	}
	s.positions[key] = pos
	return nil
}

// Checkpoints is part of Store.
func (s *MemoryStore) Checkpoints(_ context.Context, prefix string) ([]river.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []river.Checkpoint
	for key, pos := range s.positions {
		if strings.HasPrefix(key, prefix) {
			out = append(out, river.Checkpoint{Namespace: key, Position: pos})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Namespace < out[j].Namespace
	})
	return out, nil
}

// DeleteCheckpoints is part of Store.
func (s *MemoryStore) DeleteCheckpoints(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.positions {
		if strings.HasPrefix(key, prefix) {
			delete(s.positions, key)
		}
	}
	return nil
}

// Latest returns the most advanced of the checkpoints, or the zero
// position if there are none.
func Latest(checkpoints []river.Checkpoint) river.Position {
	var latest river.Position
	for _, cp := range checkpoints {
		if cp.Position.After(latest) {
			latest = cp.Position
		}
	}
	return latest
}
