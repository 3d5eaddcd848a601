// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipelinetest provides in process stand-ins for the workers,
// targets and topology of a river runtime.
package pipelinetest

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/internal/checkpoint"
	"github.com/juju/mongoriver/internal/indexer"
	"github.com/juju/mongoriver/internal/metrics"
	"github.com/juju/mongoriver/internal/tailer"
	"github.com/juju/mongoriver/internal/topology"
	"github.com/juju/mongoriver/internal/worker/pipeline"
)

// Worker is a worker that runs until killed or failed.
type Worker struct {
	tomb  tomb.Tomb
	fail  chan error
	abort chan struct{}
	once  sync.Once

	aborted bool
	mu      sync.Mutex
}

func newWorker(ignoreKill bool) *Worker {
	w := &Worker{
		fail:  make(chan error, 1),
		abort: make(chan struct{}),
	}
	w.tomb.Go(func() error {
		select {
		case err := <-w.fail:
			return err
		case <-w.tomb.Dying():
			if ignoreKill {
				<-w.abort
			}
			return nil
		}
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Abort is part of pipeline.TailerWorker.
func (w *Worker) Abort() {
	w.once.Do(func() {
		w.mu.Lock()
		w.aborted = true
		w.mu.Unlock()
		close(w.abort)
	})
}

// Aborted reports whether Abort was called.
func (w *Worker) Aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

// Fail makes the worker exit with err.
func (w *Worker) Fail(err error) {
	w.fail <- err
}

// Alive reports whether the worker is still running.
func (w *Worker) Alive() bool {
	return w.tomb.Alive()
}

// Tailer is a started fake tailer.
type Tailer struct {
	*Worker
	Config tailer.Config
}

// Indexer is a started fake indexer.
type Indexer struct {
	*Worker
	Config indexer.Config
}

// Target is a fake index.
type Target struct {
	EnsureErr error

	mu      sync.Mutex
	ensured int
	applied []river.ChangeEvent
}

// EnsureIndex is part of pipeline.Target.
func (t *Target) EnsureIndex(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensured++
	return t.EnsureErr
}

// Apply is part of indexer.Target.
func (t *Target) Apply(_ context.Context, events []river.ChangeEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, events...)
	return nil
}

// Applied returns every event applied so far.
func (t *Target) Applied() []river.ChangeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]river.ChangeEvent(nil), t.applied...)
}

// Fixture records everything a runtime built through it.
type Fixture struct {
	mu sync.Mutex

	// Shards is returned by Discover, keyed by the first server of the
	// definition. A missing entry means an unsharded source.
	Shards map[string][]topology.Shard

	// DiscoverErr fails discovery.
	DiscoverErr error

	// TailerErr fails NewTailer for the named shards.
	TailerErr map[string]error

	// IgnoreKill makes new tailers wait for Abort after being killed.
	IgnoreKill bool

	Target      *Target
	tailers     []*Tailer
	indexers    []*Indexer
	attempts    map[string]int
	unreachable map[string]bool
}

// NewFixture returns an empty fixture.
func NewFixture() *Fixture {
	return &Fixture{
		Shards:      make(map[string][]topology.Shard),
		TailerErr:   make(map[string]error),
		Target:      &Target{},
		attempts:    make(map[string]int),
		unreachable: make(map[string]bool),
	}
}

// Discover is part of pipeline.Discoverer.
func (f *Fixture) Discover(_ context.Context, def river.Definition) ([]topology.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiscoverErr != nil {
		return nil, f.DiscoverErr
	}
	if first := def.Servers[0].String(); f.unreachable[first] {
		return nil, errors.Errorf("no reachable servers in %s", first)
	}
	if shards, ok := f.Shards[def.Servers[0].String()]; ok {
		return shards, nil
	}
	return []topology.Shard{{Servers: def.Servers}}, nil
}

// NewTarget returns the fixture's target.
func (f *Fixture) NewTarget(river.Definition) (pipeline.Target, error) {
	return f.Target, nil
}

// NewTailer starts a fake tailer.
func (f *Fixture) NewTailer(config tailer.Config) (pipeline.TailerWorker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[config.Shard]++
	if err := f.TailerErr[config.Shard]; err != nil {
		return nil, err
	}
	t := &Tailer{Worker: newWorker(f.IgnoreKill), Config: config}
	f.tailers = append(f.tailers, t)
	return t, nil
}

// SetUnreachable makes discovery fail for definitions whose first server
// is the given one.
func (f *Fixture) SetUnreachable(server string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[server] = unreachable
}

// SetTailerErr makes NewTailer fail for the shard, or succeed again when
// err is nil. It is safe to call while a runtime is running.
func (f *Fixture) SetTailerErr(shard string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.TailerErr, shard)
		return
	}
	f.TailerErr[shard] = err
}

// TailerAttempts returns how many times a tailer was requested for the
// shard, including failed requests.
func (f *Fixture) TailerAttempts(shard string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[shard]
}

// NewIndexer starts a fake indexer.
func (f *Fixture) NewIndexer(config indexer.Config) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := &Indexer{Worker: newWorker(false), Config: config}
	f.indexers = append(f.indexers, i)
	return i, nil
}

// Tailers returns every tailer started so far, oldest first.
func (f *Fixture) Tailers() []*Tailer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Tailer(nil), f.tailers...)
}

// LiveTailers returns the tailers still running.
func (f *Fixture) LiveTailers() []*Tailer {
	var live []*Tailer
	for _, t := range f.Tailers() {
		if t.Alive() {
			live = append(live, t)
		}
	}
	return live
}

// Indexers returns every indexer started so far, oldest first.
func (f *Fixture) Indexers() []*Indexer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Indexer(nil), f.indexers...)
}

// Config returns a runtime configuration building workers through the
// fixture.
func (f *Fixture) Config(store pipeline.ControlStore, checkpoints checkpoint.Store, clk clock.Clock) pipeline.Config {
	return pipeline.Config{
		ControlStore: store,
		Checkpoints:  checkpoints,
		Discoverer:   f,
		NewTarget:    f.NewTarget,
		NewTailer:    f.NewTailer,
		NewIndexer:   f.NewIndexer,
		OpenSource: func(tailer.SourceParams) (tailer.Source, error) {
			return nil, errors.NotSupportedf("opening sources")
		},
		Metrics: metrics.NewMetricsCollector(),
		Clock:   clk,
		Logger:  loggo.GetLogger("mongoriver.test"),
	}
}
