// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/checkpoint"
	"github.com/juju/mongoriver/internal/indexer"
	"github.com/juju/mongoriver/internal/tailer"
	"github.com/juju/mongoriver/internal/topology"
)

// DefaultStopGrace is how long workers are given to exit cooperatively
// before their source sessions are closed under them.
const DefaultStopGrace = 10 * time.Second

const (
	// DefaultRespawnDelay is how long a failed shard waits before its
	// tailer is started again. The delay doubles on each consecutive
	// failure.
	DefaultRespawnDelay = time.Second

	// DefaultMaxRespawnDelay caps the respawn delay. A tailer that ran
	// for longer than this resets the backoff of its shard.
	DefaultMaxRespawnDelay = time.Minute
)

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
}

// ControlStore is the part of the control store written by a runtime.
type ControlStore interface {
	SetDesiredStatus(ctx context.Context, name string, s status.Status) error
}

// Discoverer resolves the shards of a source.
type Discoverer interface {
	Discover(ctx context.Context, def river.Definition) ([]topology.Shard, error)
}

// Target is the index written by a river.
type Target interface {
	indexer.Target
	EnsureIndex(ctx context.Context) error
}

// TailerWorker is a running tailer.
type TailerWorker interface {
	worker.Worker

	// Abort forcibly closes the tailer's source session.
	Abort()
}

// Metrics records the activity of a river's workers.
type Metrics interface {
	tailer.Metrics
	indexer.Metrics
}

// Config holds the dependencies shared by the runtimes of an agent.
type Config struct {
	ControlStore ControlStore
	Checkpoints  checkpoint.Store
	Discoverer   Discoverer

	NewTarget  func(river.Definition) (Target, error)
	NewTailer  func(tailer.Config) (TailerWorker, error)
	NewIndexer func(indexer.Config) (worker.Worker, error)
	OpenSource tailer.OpenSourceFunc

	// StopGrace bounds the cooperative part of a stop.
	StopGrace time.Duration

	// RespawnDelay and MaxRespawnDelay bound the backoff applied to
	// tailers of a running generation that stop with an error.
	RespawnDelay    time.Duration
	MaxRespawnDelay time.Duration

	Metrics Metrics
	Clock   clock.Clock
	Logger  Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.ControlStore == nil {
		return errors.NotValidf("nil ControlStore")
	}
	if c.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if c.Discoverer == nil {
		return errors.NotValidf("nil Discoverer")
	}
	if c.NewTarget == nil {
		return errors.NotValidf("nil NewTarget")
	}
	if c.NewTailer == nil {
		return errors.NotValidf("nil NewTailer")
	}
	if c.NewIndexer == nil {
		return errors.NotValidf("nil NewIndexer")
	}
	if c.OpenSource == nil {
		return errors.NotValidf("nil OpenSource")
	}
	if c.StopGrace < 0 {
		return errors.NotValidf("StopGrace %v", c.StopGrace)
	}
	if c.RespawnDelay < 0 {
		return errors.NotValidf("RespawnDelay %v", c.RespawnDelay)
	}
	if c.MaxRespawnDelay < 0 {
		return errors.NotValidf("MaxRespawnDelay %v", c.MaxRespawnDelay)
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// NewTailer starts a tailer worker.
func NewTailer(config tailer.Config) (TailerWorker, error) {
	w, err := tailer.NewWorker(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// NewIndexer starts an indexer worker.
func NewIndexer(config indexer.Config) (worker.Worker, error) {
	w, err := indexer.NewWorker(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}
