// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package admin is the operator surface of the agent: listing rivers,
// changing their desired status and reconfiguring their source servers.
package admin

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/naturalsort"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/checkpoint"
	"github.com/juju/mongoriver/internal/controlstore"
)

const (
	// DefaultPage and DefaultCount are used when a listing does not say
	// which page it wants.
	DefaultPage  = 1
	DefaultCount = 10
)

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// ControlStore is the part of the control store used by the admin surface.
type ControlStore interface {
	GetDesiredStatus(ctx context.Context, name string) (status.Status, error)
	SetDesiredStatus(ctx context.Context, name string, s status.Status) error
	GetDefinition(ctx context.Context, name string) (river.Definition, error)
	UpdateServers(ctx context.Context, name string, servers []river.ServerAddress) error
	RecordAudit(ctx context.Context, entry controlstore.AuditEntry) error
	RaiseConfigSignal(ctx context.Context, name string) error
	ListPipelines(ctx context.Context) ([]string, error)
	DeletePipeline(ctx context.Context, name string) error
}

// Checkpoints is the part of the checkpoint store used by the admin
// surface.
type Checkpoints interface {
	Checkpoints(ctx context.Context, prefix string) ([]river.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, prefix string) error
}

// Rivers exposes the runtimes of the agent.
type Rivers interface {
	ActualStatus(name string) (status.Status, error)
	Health(name string) (river.Health, error)
	Unregister(ctx context.Context, name string) error
}

// IndexCounter counts the documents indexed by a river.
type IndexCounter interface {
	IndexCount(ctx context.Context, def river.Definition) (int64, error)
}

// Config holds the dependencies of a Service.
type Config struct {
	ControlStore ControlStore
	Checkpoints  Checkpoints
	Rivers       Rivers
	IndexCounter IndexCounter
	Clock        clock.Clock
	Logger       Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.ControlStore == nil {
		return errors.NotValidf("nil ControlStore")
	}
	if c.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if c.Rivers == nil {
		return errors.NotValidf("nil Rivers")
	}
	if c.IndexCounter == nil {
		return errors.NotValidf("nil IndexCounter")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// RiverInfo describes a single river.
type RiverInfo struct {
	Name         string           `json:"name"`
	Status       status.Status    `json:"status"`
	Actual       status.Status    `json:"actual"`
	Settings     river.Definition `json:"settings"`
	LastPosition *river.Position  `json:"last-position"`
	IndexCount   *int64           `json:"index-count"`
	Health       *river.Health    `json:"health,omitempty"`
}

// RiverList is one page of rivers.
type RiverList struct {
	Hits    int         `json:"hits"`
	Page    int         `json:"page"`
	Pages   int         `json:"pages"`
	Count   int         `json:"count"`
	Results []RiverInfo `json:"results"`
}

// Service implements the admin operations.
type Service struct {
	config Config
}

// NewService returns a Service.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{config: config}, nil
}

// Start asks for the river to run.
func (s *Service) Start(ctx context.Context, name string) error {
	return s.setDesired(ctx, name, status.Running)
}

// Stop asks for the river to stop.
func (s *Service) Stop(ctx context.Context, name string) error {
	return s.setDesired(ctx, name, status.Stopped)
}

// Restart asks for the river to be restarted with its current definition.
func (s *Service) Restart(ctx context.Context, name string) error {
	return s.setDesired(ctx, name, status.Restart)
}

func (s *Service) setDesired(ctx context.Context, name string, desired status.Status) error {
	if err := s.config.ControlStore.SetDesiredStatus(ctx, name, desired); err != nil {
		return errors.Trace(err)
	}
	s.config.Logger.Infof("river %q desired status set to %s", name, desired)
	return nil
}

// Delete removes the river, its runtime and its checkpoints.
func (s *Service) Delete(ctx context.Context, name string) error {
	def, err := s.config.ControlStore.GetDefinition(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	// Removed from the store first, so that no pass registers it again.
	if err := s.config.ControlStore.DeletePipeline(ctx, name); err != nil {
		return errors.Trace(err)
	}
	if err := s.config.Rivers.Unregister(ctx, name); err != nil && !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	if err := s.config.Checkpoints.DeleteCheckpoints(ctx, def.CheckpointPrefix()); err != nil {
		return errors.Annotatef(err, "deleting checkpoints of river %q", name)
	}
	s.config.Logger.Infof("river %q deleted", name)
	return nil
}

// Get describes the river.
func (s *Service) Get(ctx context.Context, name string) (RiverInfo, error) {
	def, err := s.config.ControlStore.GetDefinition(ctx, name)
	if err != nil {
		return RiverInfo{}, errors.Trace(err)
	}
	return s.describe(ctx, def)
}

// List returns the given page of rivers, ordered by name. Pages start at 1.
func (s *Service) List(ctx context.Context, page, count int) (RiverList, error) {
	if page < 1 {
		return RiverList{}, errors.NotValidf("page %d", page)
	}
	if count < 1 {
		return RiverList{}, errors.NotValidf("count %d", count)
	}
	names, err := s.config.ControlStore.ListPipelines(ctx)
	if err != nil {
		return RiverList{}, errors.Trace(err)
	}
	naturalsort.Sort(names)

	list := RiverList{
		Hits:    len(names),
		Page:    page,
		Pages:   (len(names) + count - 1) / count,
		Results: []RiverInfo{},
	}
	from := (page - 1) * count
	for i := from; i < len(names) && i < from+count; i++ {
		def, err := s.config.ControlStore.GetDefinition(ctx, names[i])
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			return RiverList{}, errors.Trace(err)
		}
		info, err := s.describe(ctx, def)
		if err != nil {
			return RiverList{}, errors.Trace(err)
		}
		list.Results = append(list.Results, info)
	}
	list.Count = len(list.Results)
	return list, nil
}

func (s *Service) describe(ctx context.Context, def river.Definition) (RiverInfo, error) {
	desired, err := s.config.ControlStore.GetDesiredStatus(ctx, def.Name)
	if err != nil {
		return RiverInfo{}, errors.Trace(err)
	}
	actual, err := s.config.Rivers.ActualStatus(def.Name)
	if errors.Is(err, errors.NotFound) {
		actual = status.Unknown
	} else if err != nil {
		return RiverInfo{}, errors.Trace(err)
	}
	info := RiverInfo{
		Name:     def.Name,
		Status:   desired,
		Actual:   actual,
		Settings: def,
	}

	health, err := s.config.Rivers.Health(def.Name)
	switch {
	case errors.Is(err, errors.NotFound):
	case err != nil:
		return RiverInfo{}, errors.Trace(err)
	case len(health.Shards) > 0 || len(health.Respawning) > 0:
		info.Health = &health
	}

	checkpoints, err := s.config.Checkpoints.Checkpoints(ctx, def.CheckpointPrefix())
	if err != nil {
		return RiverInfo{}, errors.Annotatef(err, "reading checkpoints of river %q", def.Name)
	}
	if latest := checkpoint.Latest(checkpoints); !latest.IsZero() {
		info.LastPosition = &latest
	}

	count, err := s.config.IndexCounter.IndexCount(ctx, def)
	switch {
	case err == nil:
		info.IndexCount = &count
	case errors.Is(err, errors.NotFound):
		zero := int64(0)
		info.IndexCount = &zero
	default:
		s.config.Logger.Warningf("counting documents of river %q: %v", def.Name, err)
	}
	return info, nil
}

// UpdateServers replaces the source servers of the river. A request naming
// the servers already in use is accepted and ignored. Otherwise the change
// is audited and the river is signalled to rebuild. The returned bool
// reports whether anything changed.
func (s *Service) UpdateServers(ctx context.Context, name string, servers []river.ServerAddress) (bool, error) {
	if len(servers) == 0 {
		return false, errors.NotValidf("empty server list")
	}
	for _, server := range servers {
		if err := server.Validate(); err != nil {
			return false, errors.Trace(err)
		}
	}

	def, err := s.config.ControlStore.GetDefinition(ctx, name)
	if err != nil {
		return false, errors.Trace(err)
	}
	current := def.ServerSet()
	requested := river.NewServerSet(servers...)
	if requested.Equals(current) || (current.IsEmpty() && requested.IsLoopbackPlaceholder()) {
		s.config.Logger.Debugf("river %q already uses servers %s", name, current)
		return false, nil
	}

	if err := s.config.ControlStore.RecordAudit(ctx, controlstore.AuditEntry{
		River:     name,
		From:      def.Servers,
		To:        servers,
		Timestamp: s.config.Clock.Now().UTC(),
	}); err != nil {
		return false, errors.Annotate(err, "recording audit")
	}
	if err := s.config.ControlStore.UpdateServers(ctx, name, servers); err != nil {
		return false, errors.Trace(err)
	}
	if err := s.config.ControlStore.RaiseConfigSignal(ctx, name); err != nil {
		return false, errors.Trace(err)
	}
	s.config.Logger.Infof("river %q servers changed from %s to %s", name, current, requested)
	return true, nil
}
