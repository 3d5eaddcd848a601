// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package indexer drains a river's event queue into the target index and
// commits checkpoints for what has been written.
package indexer

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongoriver/core/river"
)

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
)

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Source is the consumer side of an event queue.
type Source interface {
	// Changes delivers queued events.
	Changes() <-chan river.ChangeEvent

	// Taken records that an event from Changes was consumed.
	Taken()
}

// Target applies a bulk of events to the index. Errors satisfying
// errors.Is(err, errors.NotValid) are not retried.
type Target interface {
	Apply(ctx context.Context, events []river.ChangeEvent) error
}

// Checkpoints is the part of the checkpoint store used by the indexer.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, key string) (river.Position, bool, error)
	PutCheckpoint(ctx context.Context, key string, pos river.Position) error
}

// Metrics records indexer activity.
type Metrics interface {
	BulkWritten(name string, n int, took time.Duration, err error)
	CheckpointCommitted(name, key string, pos river.Position)
}

// Config holds the configuration of an indexer.
type Config struct {
	River         string
	Source        Source
	Target        Target
	Checkpoints   Checkpoints
	BulkSize      int
	FlushInterval time.Duration

	// RetryDelay and MaxRetryDelay shape the backoff between failed
	// writes. Zero means a default.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	Clock   clock.Clock
	Metrics Metrics
	Logger  Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.River == "" {
		return errors.NotValidf("empty River")
	}
	if c.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if c.Target == nil {
		return errors.NotValidf("nil Target")
	}
	if c.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if c.BulkSize <= 0 {
		return errors.NotValidf("BulkSize %d", c.BulkSize)
	}
	if c.FlushInterval <= 0 {
		return errors.NotValidf("FlushInterval %v", c.FlushInterval)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Indexer is the single consumer of a river's queue.
type Indexer struct {
	catacomb catacomb.Catacomb
	config   Config

	// committed caches the stored checkpoint of every namespace seen.
	committed map[string]river.Position
}

// NewWorker starts an indexer.
func NewWorker(config Config) (*Indexer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaultMaxRetryDelay
	}

	w := &Indexer{
		config:    config,
		committed: make(map[string]river.Position),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Indexer) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Indexer) Wait() error {
	return w.catacomb.Wait()
}

func (w *Indexer) loop() error {
	ctx := w.catacomb.Context(context.Background())

	var (
		batch   []river.ChangeEvent
		timer   clock.Timer
		timeout <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() error {
		if timer != nil {
			timer.Stop()
		}
		timeout = nil
		if len(batch) == 0 {
			return nil
		}
		err := w.flush(ctx, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-w.catacomb.Dying():
			// Unwritten events are read again from the checkpoints.
			return w.catacomb.ErrDying()

		case event := <-w.config.Source.Changes():
			w.config.Source.Taken()
			stale, err := w.isStale(ctx, event)
			if err != nil {
				return errors.Trace(err)
			}
			if stale {
				continue
			}
			batch = append(batch, event)
			if len(batch) >= w.config.BulkSize {
				if err := flush(); err != nil {
					return errors.Trace(err)
				}
				continue
			}
			if timeout == nil {
				if timer == nil {
					timer = w.config.Clock.NewTimer(w.config.FlushInterval)
				} else {
					timer.Reset(w.config.FlushInterval)
				}
				timeout = timer.Chan()
			}

		case <-timeout:
			if err := flush(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// isStale reports whether the event is at or before the committed
// checkpoint of its namespace, as happens when a restarted generation
// re-reads its last entries.
func (w *Indexer) isStale(ctx context.Context, event river.ChangeEvent) (bool, error) {
	committed, ok := w.committed[event.Checkpoint]
	if !ok {
		pos, _, err := w.config.Checkpoints.GetCheckpoint(ctx, event.Checkpoint)
		if err != nil {
			return false, errors.Annotatef(err, "reading checkpoint %q", event.Checkpoint)
		}
		w.committed[event.Checkpoint] = pos
		committed = pos
	}
	return !event.Position.After(committed), nil
}

func (w *Indexer) flush(ctx context.Context, batch []river.ChangeEvent) error {
	writes := make([]river.ChangeEvent, 0, len(batch))
	latest := make(map[string]river.Position)
	for _, event := range batch {
		if event.Operation != river.NoOp {
			writes = append(writes, event)
		}
		if event.Position.After(latest[event.Checkpoint]) {
			latest[event.Checkpoint] = event.Position
		}
	}

	if len(writes) > 0 {
		if err := w.write(ctx, writes); err != nil {
			return errors.Trace(err)
		}
	}

	for key, pos := range latest {
		if err := w.config.Checkpoints.PutCheckpoint(ctx, key, pos); err != nil {
			return errors.Annotatef(err, "committing checkpoint %q", key)
		}
		w.committed[key] = pos
		w.config.Metrics.CheckpointCommitted(w.config.River, key, pos)
	}
	return nil
}

func (w *Indexer) write(ctx context.Context, events []river.ChangeEvent) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			start := w.config.Clock.Now()
			err := w.config.Target.Apply(ctx, events)
			w.config.Metrics.BulkWritten(w.config.River, len(events), w.config.Clock.Now().Sub(start), err)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errors.NotValid)
		},
		NotifyFunc: func(err error, attempt int) {
			w.config.Logger.Warningf("river %q bulk of %d events, attempt %d: %v", w.config.River, len(events), attempt, err)
		},
		Attempts:    -1,
		Delay:       w.config.RetryDelay,
		MaxDelay:    w.config.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.config.Clock,
		Stop:        w.catacomb.Dying(),
	})
	if retry.IsRetryStopped(err) {
		return w.catacomb.ErrDying()
	}
	if err != nil {
		return errors.Annotatef(err, "writing bulk of %d events", len(events))
	}
	w.config.Logger.Debugf("river %q indexed %d events", w.config.River, len(events))
	return nil
}

var _ worker.Worker = (*Indexer)(nil)
