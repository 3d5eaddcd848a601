// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlstore

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
)

type memoryRiver struct {
	definition river.Definition
	desired    status.Status
	signal     status.ConfigSignal
}

// MemoryStore is a Store kept in process.
type MemoryStore struct {
	mu     sync.Mutex
	rivers map[string]*memoryRiver
	audit  []AuditEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rivers: make(map[string]*memoryRiver)}
}

func (s *MemoryStore) get(name string) (*memoryRiver, error) {
	r, ok := s.rivers[name]
	if !ok {
		return nil, errors.NotFoundf("river %q", name)
	}
	return r, nil
}

// Snapshot is part of Store.
func (s *MemoryStore) Snapshot(_ context.Context, name string) (status.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return status.Snapshot{}, errors.Trace(err)
	}
	return status.Snapshot{Desired: r.desired, Signal: r.signal}, nil
}

// GetDesiredStatus is part of Store.
func (s *MemoryStore) GetDesiredStatus(_ context.Context, name string) (status.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return status.Unknown, errors.Trace(err)
	}
	return r.desired, nil
}

// SetDesiredStatus is part of Store.
func (s *MemoryStore) SetDesiredStatus(_ context.Context, name string, desired status.Status) error {
	if !desired.IsDesired() {
		return errors.NotValidf("desired status %q", desired)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return errors.Trace(err)
	}
	r.desired = desired
	return nil
}

// GetConfigSignal is part of Store.
func (s *MemoryStore) GetConfigSignal(_ context.Context, name string) (status.ConfigSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return status.SignalNormal, errors.Trace(err)
	}
	return r.signal, nil
}

// RaiseConfigSignal is part of Store.
func (s *MemoryStore) RaiseConfigSignal(_ context.Context, name string) error {
	return s.setSignal(name, status.SignalUpdate)
}

// ClearConfigSignal is part of Store.
func (s *MemoryStore) ClearConfigSignal(_ context.Context, name string) error {
	return s.setSignal(name, status.SignalNormal)
}

func (s *MemoryStore) setSignal(name string, signal status.ConfigSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return errors.Trace(err)
	}
	r.signal = signal
	return nil
}

// GetDefinition is part of Store.
func (s *MemoryStore) GetDefinition(_ context.Context, name string) (river.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return river.Definition{}, errors.Trace(err)
	}
	return r.definition.WithServers(r.definition.Servers), nil
}

// PutDefinition is part of Store.
func (s *MemoryStore) PutDefinition(_ context.Context, def river.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rivers[def.Name]; ok {
		r.definition = def.WithServers(def.Servers)
		return nil
	}
	s.rivers[def.Name] = &memoryRiver{
		definition: def.WithServers(def.Servers),
		desired:    status.Pending,
		signal:     status.SignalNormal,
	}
	return nil
}

// UpdateServers is part of Store.
func (s *MemoryStore) UpdateServers(_ context.Context, name string, servers []river.ServerAddress) error {
	if len(servers) == 0 {
		return errors.NotValidf("empty server list")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return errors.Trace(err)
	}
	r.definition = r.definition.WithServers(servers)
	return nil
}

// RecordAudit is part of Store.
func (s *MemoryStore) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.From = append([]river.ServerAddress(nil), entry.From...)
	entry.To = append([]river.ServerAddress(nil), entry.To...)
	s.audit = append(s.audit, entry)
	return nil
}

// AuditHistory is part of Store.
func (s *MemoryStore) AuditHistory(_ context.Context, name string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, entry := range s.audit {
		if entry.River == name {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ListPipelines is part of Store.
func (s *MemoryStore) ListPipelines(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rivers))
	for name := range s.rivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeletePipeline is part of Store.
func (s *MemoryStore) DeletePipeline(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(name); err != nil {
		return errors.Trace(err)
	}
	delete(s.rivers, name)
	kept := s.audit[:0]
	for _, entry := range s.audit {
		if entry.River != name {
			kept = append(kept, entry)
		}
	}
	s.audit = kept
	return nil
}
