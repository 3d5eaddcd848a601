// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler drives every river towards the run state declared in
// the control store.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
)

// DefaultPollInterval is the delay between two passes.
const DefaultPollInterval = 5 * time.Second

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// ControlStore is the part of the control store read and acknowledged by
// the reconciler.
type ControlStore interface {
	Snapshot(ctx context.Context, name string) (status.Snapshot, error)
	SetDesiredStatus(ctx context.Context, name string, s status.Status) error
	ClearConfigSignal(ctx context.Context, name string) error
	GetDefinition(ctx context.Context, name string) (river.Definition, error)
	ListPipelines(ctx context.Context) ([]string, error)
}

// Runtime runs a single river.
type Runtime interface {
	Name() string
	Actual() status.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StopAs(ctx context.Context, s status.Status) error
	Restart(ctx context.Context) error
	Rebuild(ctx context.Context, def river.Definition) error
	Health() river.Health
}

// Metrics records reconciliation activity.
type Metrics interface {
	ReconcileAction(name, action string)
	ReconcileError(name string)
	Forget(name string)
}

// Config holds the configuration of a reconciler.
type Config struct {
	ControlStore ControlStore
	NewRuntime   func(river.Definition) (Runtime, error)
	PollInterval time.Duration
	Clock        clock.Clock
	Metrics      Metrics
	Logger       Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.ControlStore == nil {
		return errors.NotValidf("nil ControlStore")
	}
	if c.NewRuntime == nil {
		return errors.NotValidf("nil NewRuntime")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("PollInterval %v", c.PollInterval)
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

// Reconciler owns the runtime registry of an agent and polls the control
// store for changes in desired state.
type Reconciler struct {
	catacomb catacomb.Catacomb
	config   Config

	// passMu serialises passes with Register and Unregister.
	passMu sync.Mutex

	mu       sync.Mutex
	runtimes map[string]Runtime
}

// NewWorker starts a reconciler.
func NewWorker(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Reconciler{
		config:   config,
		runtimes: make(map[string]Runtime),
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
func (w *Reconciler) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Reconciler) Wait() error {
	return w.catacomb.Wait()
}

func (w *Reconciler) loop() error {
	ctx := w.catacomb.Context(context.Background())
	defer w.stopAll()

	for {
		w.pass(ctx)

		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.PollInterval):
		}
	}
}

// Register adds a runtime for the definition. It is an error to register
// a river twice.
func (w *Reconciler) Register(def river.Definition) error {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	if _, ok := w.Runtime(def.Name); ok {
		return errors.AlreadyExistsf("river %q", def.Name)
	}
	return errors.Trace(w.add(def))
}

// Unregister stops the river and drops its runtime.
func (w *Reconciler) Unregister(ctx context.Context, name string) error {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	if _, ok := w.Runtime(name); !ok {
		return errors.NotFoundf("river %q", name)
	}
	return errors.Trace(w.remove(ctx, name))
}

// Runtime returns the runtime of the named river.
func (w *Reconciler) Runtime(name string) (Runtime, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rt, ok := w.runtimes[name]
	return rt, ok
}

// ActualStatus returns the actual status of the named river.
func (w *Reconciler) ActualStatus(name string) (status.Status, error) {
	rt, ok := w.Runtime(name)
	if !ok {
		return status.Unknown, errors.NotFoundf("river %q", name)
	}
	return rt.Actual(), nil
}

// Health describes the running generation of the named river.
func (w *Reconciler) Health(name string) (river.Health, error) {
	rt, ok := w.Runtime(name)
	if !ok {
		return river.Health{}, errors.NotFoundf("river %q", name)
	}
	return rt.Health(), nil
}

// Names returns the registered rivers in order.
func (w *Reconciler) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.runtimes))
	for name := range w.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Reconciler) add(def river.Definition) error {
	rt, err := w.config.NewRuntime(def)
	if err != nil {
		return errors.Annotatef(err, "creating runtime for river %q", def.Name)
	}
	w.mu.Lock()
	w.runtimes[def.Name] = rt
	w.mu.Unlock()
	w.config.Logger.Infof("river %q registered", def.Name)
	return nil
}

func (w *Reconciler) remove(ctx context.Context, name string) error {
	rt, ok := w.Runtime(name)
	if !ok {
		return nil
	}
	err := rt.Stop(ctx)
	w.mu.Lock()
	delete(w.runtimes, name)
	w.mu.Unlock()
	w.config.Metrics.Forget(name)
	w.config.Logger.Infof("river %q unregistered", name)
	return errors.Annotatef(err, "stopping river %q", name)
}

func (w *Reconciler) stopAll() {
	w.passMu.Lock()
	defer w.passMu.Unlock()
	for _, name := range w.Names() {
		rt, _ := w.Runtime(name)
		if err := rt.Stop(context.Background()); err != nil {
			w.config.Logger.Errorf("stopping river %q: %v", name, err)
		}
	}
}

// pass refreshes the registry and reconciles each river in turn. A failure
// with one river never prevents the others from being reconciled.
func (w *Reconciler) pass(ctx context.Context) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	if err := w.refresh(ctx); err != nil {
		w.config.Logger.Errorf("refreshing rivers: %v", err)
	}
	for _, name := range w.Names() {
		if ctx.Err() != nil {
			return
		}
		rt, ok := w.Runtime(name)
		if !ok {
			continue
		}
		if err := w.reconcile(ctx, name, rt); err != nil {
			w.config.Logger.Errorf("reconciling river %q: %v", name, err)
			w.config.Metrics.ReconcileError(name)
		}
	}
}

func (w *Reconciler) refresh(ctx context.Context) error {
	names, err := w.config.ControlStore.ListPipelines(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	declared := make(map[string]bool, len(names))
	for _, name := range names {
		declared[name] = true
		if _, ok := w.Runtime(name); ok {
			continue
		}
		def, err := w.config.ControlStore.GetDefinition(ctx, name)
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			w.config.Logger.Errorf("reading river %q: %v", name, err)
			w.config.Metrics.ReconcileError(name)
			continue
		}
		if err := w.add(def); err != nil {
			w.config.Logger.Errorf("%v", err)
			w.config.Metrics.ReconcileError(name)
		}
	}
	for _, name := range w.Names() {
		if declared[name] {
			continue
		}
		if err := w.remove(ctx, name); err != nil {
			w.config.Logger.Errorf("%v", err)
		}
	}
	return nil
}

func (w *Reconciler) reconcile(ctx context.Context, name string, rt Runtime) error {
	snapshot, err := w.config.ControlStore.Snapshot(ctx, name)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Annotate(err, "reading desired state")
	}

	actual := rt.Actual()
	decision := Decide(snapshot.Desired, actual, snapshot.Signal)
	if decision.Action == ActionNone {
		return nil
	}
	w.config.Logger.Debugf("river %q desired %s actual %s signal %s: %s",
		name, snapshot.Desired, actual, snapshot.Signal, decision.Action)
	w.config.Metrics.ReconcileAction(name, string(decision.Action))

	// A pending config signal means the cached definition is stale, so
	// starts and restarts pick up the stored one.
	reconfigure := snapshot.Signal == status.SignalUpdate
	switch decision.Action {
	case ActionStart:
		if reconfigure {
			return errors.Trace(w.rebuild(ctx, name, rt))
		}
		return errors.Trace(rt.Start(ctx))

	case ActionStop:
		return errors.Trace(rt.StopAs(ctx, decision.Status))

	case ActionRestart:
		if reconfigure {
			err = w.rebuild(ctx, name, rt)
		} else {
			err = rt.Restart(ctx)
		}
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Annotate(
			w.config.ControlStore.SetDesiredStatus(ctx, name, status.Running),
			"acknowledging restart",
		)

	case ActionRebuild:
		return errors.Trace(w.rebuild(ctx, name, rt))
	}
	return nil
}

// rebuild restarts the river with its stored definition and clears the
// config signal. A rebuild failing for any reason other than an invalid
// definition leaves the signal raised, so the next start tries again.
func (w *Reconciler) rebuild(ctx context.Context, name string, rt Runtime) error {
	def, err := w.config.ControlStore.GetDefinition(ctx, name)
	if err != nil {
		return errors.Annotate(err, "reading definition")
	}
	err = rt.Rebuild(ctx, def)
	if err != nil && !errors.Is(err, errors.NotValid) {
		return errors.Trace(err)
	}
	if cerr := w.config.ControlStore.ClearConfigSignal(ctx, name); cerr != nil {
		return errors.Annotate(cerr, "clearing config signal")
	}
	return errors.Trace(err)
}
