// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tailer follows the oplog of one source shard and feeds the
// changes to a river's event queue.
package tailer

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongoriver/core/river"
)

// DefaultTailTimeout is how long a cursor waits for new entries before the
// worker checks whether it should stop.
const DefaultTailTimeout = time.Second

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
}

// Sink receives the events read by a tailer.
type Sink interface {
	Put(ctx context.Context, event river.ChangeEvent) error
}

// Metrics records tailer activity.
type Metrics interface {
	EventProduced(name string)
}

// Config holds the configuration of a tailer.
type Config struct {
	// River names the river the tailer belongs to.
	River string

	// Shard names the followed shard, empty for an unsharded source.
	Shard string

	// Servers are the servers of the followed replica set.
	Servers []river.ServerAddress

	// Database and Collection name the followed collection.
	Database   string
	Collection string

	// GridFS selects attachment events.
	GridFS bool

	// SecondaryOK allows tailing from secondaries.
	SecondaryOK bool

	// Start is the position after which entries are read.
	Start river.Position

	// Checkpoint is the key under which indexed positions are committed.
	Checkpoint string

	// TailTimeout bounds a single wait for new entries.
	TailTimeout time.Duration

	Sink       Sink
	OpenSource OpenSourceFunc
	Metrics    Metrics
	Logger     Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.River == "" {
		return errors.NotValidf("empty River")
	}
	if len(c.Servers) == 0 {
		return errors.NotValidf("empty Servers")
	}
	if c.Database == "" {
		return errors.NotValidf("empty Database")
	}
	if c.Collection == "" {
		return errors.NotValidf("empty Collection")
	}
	if c.Checkpoint == "" {
		return errors.NotValidf("empty Checkpoint")
	}
	if c.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if c.OpenSource == nil {
		return errors.NotValidf("nil OpenSource")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Namespace is the oplog namespace followed.
func (c Config) Namespace() string {
	return c.Database + "." + c.Collection
}

// Tailer is a worker reading one shard's oplog.
type Tailer struct {
	catacomb catacomb.Catacomb
	config   Config

	mu     sync.Mutex
	source Source
}

// NewWorker starts a tailer.
func NewWorker(config Config) (*Tailer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.TailTimeout == 0 {
		config.TailTimeout = DefaultTailTimeout
	}

	t := &Tailer{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *Tailer) Kill() {
	t.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. A drop of the followed
// collection is reported as an error satisfying
// errors.Is(err, river.ErrSourceDropped).
func (t *Tailer) Wait() error {
	return t.catacomb.Wait()
}

// Abort kills the tailer and closes its cursor, unblocking a read that
// does not observe the kill.
func (t *Tailer) Abort() {
	t.catacomb.Kill(nil)

	t.mu.Lock()
	source := t.source
	t.mu.Unlock()
	if source != nil {
		if err := source.Close(); err != nil {
			t.config.Logger.Debugf("river %q shard %q aborting: %v", t.config.River, t.config.Shard, err)
		}
	}
}

func (t *Tailer) loop() error {
	source, err := t.config.OpenSource(SourceParams{
		Servers:     t.config.Servers,
		Database:    t.config.Database,
		Namespace:   t.config.Namespace(),
		GridFS:      t.config.GridFS,
		Collection:  t.config.Collection,
		Start:       t.config.Start,
		TailTimeout: t.config.TailTimeout,
		SecondaryOK: t.config.SecondaryOK,
	})
	if err != nil {
		return errors.Annotatef(err, "opening oplog of shard %q", t.config.Shard)
	}
	t.mu.Lock()
	t.source = source
	t.mu.Unlock()
	defer func() {
		if err := source.Close(); err != nil {
			t.config.Logger.Debugf("river %q shard %q closing oplog: %v", t.config.River, t.config.Shard, err)
		}
	}()

	t.config.Logger.Infof("river %q shard %q tailing %s after %v",
		t.config.River, t.config.Shard, t.config.Namespace(), t.config.Start)

	tr := translator{
		database:   t.config.Database,
		collection: t.config.Collection,
		namespace:  t.config.Namespace(),
		gridFS:     t.config.GridFS,
		checkpoint: t.config.Checkpoint,
		docs:       source,
	}
	ctx := t.catacomb.Context(context.Background())

	for {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()
		default:
		}

		entry, ok, err := source.Next()
		if err != nil {
			if t.dying() {
				return t.catacomb.ErrDying()
			}
			return errors.Trace(err)
		}
		if !ok {
			continue
		}

		event, emit, err := tr.translate(entry)
		if errors.Is(err, river.ErrSourceDropped) {
			t.config.Logger.Errorf("river %q shard %q source dropped: %v", t.config.River, t.config.Shard, err)
			return err
		} else if err != nil {
			return errors.Trace(err)
		}
		if !emit {
			continue
		}

		t.config.Logger.Tracef("river %q shard %q %s %v at %v",
			t.config.River, t.config.Shard, event.Operation, event.ID, event.Position)
		if err := t.config.Sink.Put(ctx, event); err != nil {
			if t.dying() {
				return t.catacomb.ErrDying()
			}
			return errors.Annotate(err, "queueing event")
		}
		if event.Operation != river.NoOp {
			t.config.Metrics.EventProduced(t.config.River)
		}
	}
}

func (t *Tailer) dying() bool {
	select {
	case <-t.catacomb.Dying():
		return true
	default:
		return false
	}
}

var _ worker.Worker = (*Tailer)(nil)
