// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipeline runs a single river: one generation of tailers, an
// event queue and an indexer built from an immutable definition.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/eventqueue"
	"github.com/juju/mongoriver/internal/indexer"
	"github.com/juju/mongoriver/internal/tailer"
	"github.com/juju/mongoriver/internal/topology"
)

// errGenerationGone stops the respawn of a tailer whose generation has
// been torn down.
const errGenerationGone = errors.ConstError("generation stopped")

// generation is the set of workers started by one successful Start.
type generation struct {
	def     river.Definition
	queue   *eventqueue.Queue
	indexer worker.Worker
	shards  map[string]topology.Shard

	// tailers holds the running tailer of each shard and respawning the
	// shards waiting for a new one. Both are written under the runtime's
	// operation lock and its field lock.
	tailers    map[string]TailerWorker
	respawning map[string]bool

	// started and failures drive the respawn backoff of each shard. They
	// are guarded by the operation lock.
	started  map[string]time.Time
	failures map[string]int

	dying chan struct{}
	once  sync.Once
}

func newGeneration(def river.Definition) *generation {
	return &generation{
		def:        def,
		shards:     make(map[string]topology.Shard),
		tailers:    make(map[string]TailerWorker),
		respawning: make(map[string]bool),
		started:    make(map[string]time.Time),
		failures:   make(map[string]int),
		dying:      make(chan struct{}),
	}
}

func (g *generation) kill() {
	g.once.Do(func() { close(g.dying) })
}

func (g *generation) workers() []worker.Worker {
	var ws []worker.Worker
	if g.indexer != nil {
		ws = append(ws, g.indexer)
	}
	for _, t := range g.tailers {
		ws = append(ws, t)
	}
	return ws
}

// Runtime owns the workers of one river and its actual status.
type Runtime struct {
	config Config

	// opMu serialises Start, Stop, Restart and Rebuild, and the handling
	// of worker exits.
	opMu sync.Mutex

	// mu guards the fields below for readers that do not hold opMu.
	mu     sync.Mutex
	def    river.Definition
	actual status.Status
	gen    *generation
}

// NewRuntime returns a stopped runtime for the definition.
func NewRuntime(def river.Definition, config Config) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.StopGrace == 0 {
		config.StopGrace = DefaultStopGrace
	}
	if config.RespawnDelay == 0 {
		config.RespawnDelay = DefaultRespawnDelay
	}
	if config.MaxRespawnDelay == 0 {
		config.MaxRespawnDelay = DefaultMaxRespawnDelay
	}
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Runtime{
		config: config,
		def:    def,
		actual: status.Stopped,
	}, nil
}

// Name returns the river name.
func (r *Runtime) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def.Name
}

// Definition returns the definition of the current or next generation.
func (r *Runtime) Definition() river.Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def.WithServers(r.def.Servers)
}

// Actual returns the actual status.
func (r *Runtime) Actual() status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actual
}

// Shards returns the names of the shards with a running tailer. An
// unsharded source is reported as a single empty name.
func (r *Runtime) Shards() []string {
	return r.Health().Shards
}

// Health describes the running generation.
func (r *Runtime) Health() river.Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == nil {
		return river.Health{}
	}
	health := river.Health{
		Shards:        sortedKeys(r.gen.tailers),
		QueueDepth:    r.gen.queue.Len(),
		QueueCapacity: r.gen.queue.Capacity(),
	}
	if len(r.gen.respawning) > 0 {
		health.Respawning = sortedKeys(r.gen.respawning)
	}
	return health
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Runtime) isCurrent(gen *generation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Runtime) setActual(s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actual != s {
		r.config.Logger.Debugf("river %q actual status %s -> %s", r.def.Name, r.actual, s)
	}
	r.actual = s
}

func (r *Runtime) setGeneration(gen *generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen = gen
}

// Start spawns a new generation unless one is already starting or
// running. Any spawn failure tears down what was started, leaves the
// runtime start-failed and reports start-failed to the control store.
func (r *Runtime) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.startLocked(ctx)
}

func (r *Runtime) startLocked(ctx context.Context) error {
	switch r.Actual() {
	case status.Starting, status.Running:
		return nil
	}
	r.setActual(status.Starting)

	def := r.Definition()
	gen, err := r.spawn(ctx, def)
	if err != nil {
		r.setActual(status.StartFailed)
		r.config.Logger.Errorf("river %q failed to start: %v", def.Name, err)
		if serr := r.config.ControlStore.SetDesiredStatus(ctx, def.Name, status.StartFailed); serr != nil {
			r.config.Logger.Errorf("river %q recording start failure: %v", def.Name, serr)
		}
		return errors.Annotatef(err, "starting river %q", def.Name)
	}

	r.setGeneration(gen)
	r.setActual(status.Running)
	r.config.Logger.Infof("river %q running with %d tailers", def.Name, len(gen.tailers))
	return nil
}

func (r *Runtime) spawn(ctx context.Context, def river.Definition) (_ *generation, err error) {
	gen := newGeneration(def)
	defer func() {
		if err != nil {
			r.teardown(gen)
		}
	}()

	target, err := r.config.NewTarget(def)
	if err != nil {
		return nil, errors.Annotate(err, "creating target")
	}
	if err := target.EnsureIndex(ctx); err != nil {
		return nil, errors.Annotate(err, "ensuring index")
	}

	shards, err := r.config.Discoverer.Discover(ctx, def)
	if err != nil {
		return nil, errors.Annotate(err, "discovering shards")
	}

	if gen.queue, err = eventqueue.New(def.ThrottleSize); err != nil {
		return nil, errors.Annotate(err, "creating queue")
	}

	gen.indexer, err = r.config.NewIndexer(indexer.Config{
		River:         def.Name,
		Source:        gen.queue,
		Target:        target,
		Checkpoints:   r.config.Checkpoints,
		BulkSize:      def.BulkSize,
		FlushInterval: def.FlushInterval,
		Clock:         r.config.Clock,
		Metrics:       r.config.Metrics,
		Logger:        r.config.Logger,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting indexer")
	}
	r.watchIndexer(gen)

	for _, shard := range shards {
		gen.shards[shard.Name] = shard
		if err := r.startTailer(ctx, gen, shard.Name); err != nil {
			return nil, errors.Annotatef(err, "starting tailer for shard %q", shard.Name)
		}
	}
	return gen, nil
}

// startTailer starts the tailer of a shard from its last checkpoint, or
// from the initial position when the shard has none.
func (r *Runtime) startTailer(ctx context.Context, gen *generation, name string) error {
	def := gen.def
	shard := gen.shards[name]
	key := def.CheckpointKey(name)
	start, found, err := r.config.Checkpoints.GetCheckpoint(ctx, key)
	if err != nil {
		return errors.Annotatef(err, "reading checkpoint %q", key)
	}
	if !found {
		start = def.InitialPosition
	}

	t, err := r.config.NewTailer(tailer.Config{
		River:       def.Name,
		Shard:       name,
		Servers:     shard.Servers,
		Database:    def.Database,
		Collection:  def.SourceCollection(),
		GridFS:      def.GridFS,
		SecondaryOK: def.SecondaryRead,
		Start:       start,
		Checkpoint:  key,
		Sink:        gen.queue,
		OpenSource:  r.config.OpenSource,
		Metrics:     r.config.Metrics,
		Logger:      r.config.Logger,
	})
	if err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	gen.tailers[name] = t
	delete(gen.respawning, name)
	r.mu.Unlock()
	gen.started[name] = r.config.Clock.Now()

	go func() {
		err := t.Wait()
		r.tailerExited(gen, name, t, err)
	}()
	return nil
}

// watchIndexer reports the exit of the generation's indexer. Exits are
// handled under the operation lock, so they never race a Stop.
func (r *Runtime) watchIndexer(gen *generation) {
	go func() {
		err := gen.indexer.Wait()

		r.opMu.Lock()
		defer r.opMu.Unlock()
		if !r.isCurrent(gen) {
			return
		}
		r.config.Logger.Errorf("river %q indexer stopped: %v", gen.def.Name, err)
		r.interruptLocked(gen)
	}()
}

// tailerExited handles the exit of a shard's tailer. A dropped source is
// reported to the control store and the shard is left alone. Any other
// exit schedules a new tailer for the shard. The generation is
// interrupted once no tailer is left running.
func (r *Runtime) tailerExited(gen *generation, shard string, t TailerWorker, err error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.gen != gen || gen.tailers[shard] != t {
		r.mu.Unlock()
		return
	}
	delete(gen.tailers, shard)
	left := len(gen.tailers)
	r.mu.Unlock()
	name := gen.def.Name

	dropped := errors.Is(err, river.ErrSourceDropped)
	switch {
	case dropped:
		r.config.Logger.Errorf("river %q shard %q: %v", name, shard, err)
		if serr := r.config.ControlStore.SetDesiredStatus(context.Background(), name, status.SourceDropped); serr != nil {
			r.config.Logger.Errorf("river %q recording dropped source: %v", name, serr)
		}
	case err != nil:
		r.config.Logger.Warningf("river %q tailer for shard %q stopped: %v", name, shard, err)
	default:
		r.config.Logger.Infof("river %q tailer for shard %q stopped", name, shard)
	}

	if left == 0 {
		r.config.Logger.Warningf("river %q has no tailers left", name)
		r.interruptLocked(gen)
		return
	}
	if dropped {
		return
	}

	if r.config.Clock.Now().Sub(gen.started[shard]) >= r.config.MaxRespawnDelay {
		gen.failures[shard] = 0
	}
	gen.failures[shard]++
	r.mu.Lock()
	gen.respawning[shard] = true
	r.mu.Unlock()
	r.respawnLater(gen, shard, gen.failures[shard])
}

// respawnLater starts a new tailer for the shard once the backoff for its
// consecutive failures has passed, retrying until it starts or the
// generation is torn down.
func (r *Runtime) respawnLater(gen *generation, shard string, failures int) {
	delay := r.config.RespawnDelay
	for attempt := 2; attempt <= failures && delay < r.config.MaxRespawnDelay; attempt++ {
		delay = retry.DoubleDelay(delay, attempt)
	}
	delay = min(delay, r.config.MaxRespawnDelay)
	name := gen.def.Name
	r.config.Logger.Debugf("river %q respawning shard %q in %v", name, shard, delay)

	go func() {
		select {
		case <-gen.dying:
			return
		case <-r.config.Clock.After(delay):
		}
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				return r.respawn(gen, shard)
			},
			IsFatalError: func(err error) bool {
				return errors.Is(err, errGenerationGone)
			},
			NotifyFunc: func(err error, attempt int) {
				r.config.Logger.Warningf("river %q respawning shard %q (attempt %d): %v", name, shard, attempt, err)
			},
			Attempts:    retry.UnlimitedAttempts,
			Delay:       delay,
			MaxDelay:    r.config.MaxRespawnDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       r.config.Clock,
			Stop:        gen.dying,
		})
		if err != nil && !retry.IsRetryStopped(err) && !errors.Is(err, errGenerationGone) {
			r.config.Logger.Errorf("river %q respawning shard %q: %v", name, shard, err)
		}
	}()
}

func (r *Runtime) respawn(gen *generation, shard string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if !r.isCurrent(gen) {
		return errGenerationGone
	}
	if err := r.startTailer(context.Background(), gen, shard); err != nil {
		return errors.Annotatef(err, "starting tailer for shard %q", shard)
	}
	r.config.Logger.Infof("river %q respawned tailer for shard %q", gen.def.Name, shard)
	return nil
}

func (r *Runtime) interruptLocked(gen *generation) {
	r.teardown(gen)
	r.setGeneration(nil)
	r.setActual(status.Interrupted)
}

// Stop stops the running generation, if any, and leaves the runtime
// stopped.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.StopAs(ctx, status.Stopped)
}

// StopAs stops the running generation, if any, and leaves the runtime
// with the given actual status.
func (r *Runtime) StopAs(_ context.Context, s status.Status) error {
	if !s.IsHalted() {
		return errors.NotValidf("stopping river as %q", s)
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.stopLocked(s)
	return nil
}

func (r *Runtime) stopLocked(s status.Status) {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	if gen != nil {
		r.teardown(gen)
		r.setGeneration(nil)
	}
	r.setActual(s)
}

// Restart stops and starts the river with its current definition.
func (r *Runtime) Restart(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.stopLocked(status.Stopped)
	return r.startLocked(ctx)
}

// Rebuild stops the river, replaces its definition and starts it again.
// Checkpoints are left untouched, so the new generation resumes where the
// old one stopped.
func (r *Runtime) Rebuild(ctx context.Context, def river.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return errors.Trace(err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if name := r.Name(); def.Name != name {
		return errors.NotValidf("rebuilding river %q as %q", name, def.Name)
	}
	r.stopLocked(status.Stopped)

	r.mu.Lock()
	r.def = def
	r.mu.Unlock()

	return r.startLocked(ctx)
}

// teardown kills every worker of the generation and waits for them. Tailers
// still running after the grace period are aborted.
func (r *Runtime) teardown(gen *generation) {
	gen.kill()
	if gen.queue != nil {
		gen.queue.Kill()
	}
	workers := gen.workers()
	for _, w := range workers {
		w.Kill()
	}

	if !r.waitAll(workers, r.config.StopGrace) {
		r.config.Logger.Warningf("river %q workers did not stop within %v, aborting", r.Name(), r.config.StopGrace)
		for _, t := range gen.tailers {
			t.Abort()
		}
		if !r.waitAll(workers, r.config.StopGrace) {
			r.config.Logger.Errorf("river %q workers did not stop after abort", r.Name())
		}
	}

	if gen.queue != nil {
		_ = gen.queue.Wait()
	}
}

func (r *Runtime) waitAll(workers []worker.Worker, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, w := range workers {
			_ = w.Wait()
		}
	}()
	timer := r.config.Clock.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.Chan():
		return false
	}
}
