// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent runs the reconciler and the admin server of a riverd
// process as a single worker.
package agent

import (
	"context"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/admin"
	"github.com/juju/mongoriver/internal/controlstore"
	"github.com/juju/mongoriver/internal/metrics"
	"github.com/juju/mongoriver/internal/worker/pipeline"
	"github.com/juju/mongoriver/internal/worker/reconciler"
)

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Infof(message string, args ...any)
}

// Config holds everything an agent runs with.
type Config struct {
	ControlStore controlstore.Store
	Runtime      pipeline.Config
	IndexCounter admin.IndexCounter

	// Listener serves the admin surface.
	Listener net.Listener

	// Rivers are created in the control store, running, when missing.
	Rivers []river.Definition

	PollInterval time.Duration
	Metrics      *metrics.Collector
	Registry     *prometheus.Registry
	Clock        clock.Clock
	Logger       Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.ControlStore == nil {
		return errors.NotValidf("nil ControlStore")
	}
	if err := c.Runtime.Validate(); err != nil {
		return errors.Annotate(err, "runtime config")
	}
	if c.IndexCounter == nil {
		return errors.NotValidf("nil IndexCounter")
	}
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("PollInterval %v", c.PollInterval)
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Agent is the top level worker of riverd.
type Agent struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts an agent. The listener is owned by the agent from
// then on.
func NewWorker(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	a := &Agent{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// Kill is part of the worker.Worker interface.
func (a *Agent) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (a *Agent) Wait() error {
	return a.catacomb.Wait()
}

// Addr returns the address of the admin surface.
func (a *Agent) Addr() net.Addr {
	return a.config.Listener.Addr()
}

func (a *Agent) loop() error {
	defer a.config.Listener.Close()

	ctx := a.catacomb.Context(context.Background())
	if err := a.seedRivers(ctx); err != nil {
		return errors.Trace(err)
	}

	if err := a.config.Registry.Register(a.config.Metrics); err != nil {
		return errors.Annotate(err, "registering metrics")
	}
	defer a.config.Registry.Unregister(a.config.Metrics)

	runtimeConfig := a.config.Runtime
	rec, err := reconciler.NewWorker(reconciler.Config{
		ControlStore: a.config.ControlStore,
		NewRuntime: func(def river.Definition) (reconciler.Runtime, error) {
			return pipeline.NewRuntime(def, runtimeConfig)
		},
		PollInterval: a.config.PollInterval,
		Clock:        a.config.Clock,
		Metrics:      a.config.Metrics,
		Logger:       loggo.GetLogger("mongoriver.reconciler"),
	})
	if err != nil {
		return errors.Annotate(err, "starting reconciler")
	}
	if err := a.catacomb.Add(rec); err != nil {
		return errors.Trace(err)
	}

	adminLogger := loggo.GetLogger("mongoriver.admin")
	service, err := admin.NewService(admin.Config{
		ControlStore: a.config.ControlStore,
		Checkpoints:  a.config.Runtime.Checkpoints,
		Rivers:       rec,
		IndexCounter: a.config.IndexCounter,
		Clock:        a.config.Clock,
		Logger:       adminLogger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	server, err := admin.NewServer(admin.ServerConfig{
		Listener: a.config.Listener,
		Handler:  admin.NewHandler(service, a.config.Registry, adminLogger),
		Logger:   adminLogger,
	})
	if err != nil {
		return errors.Annotate(err, "starting admin server")
	}
	if err := a.catacomb.Add(server); err != nil {
		return errors.Trace(err)
	}

	a.config.Logger.Infof("agent started, admin surface on %s", a.Addr())
	<-a.catacomb.Dying()
	return a.catacomb.ErrDying()
}

// seedRivers creates the configured rivers that the control store does
// not know about yet.
func (a *Agent) seedRivers(ctx context.Context) error {
	store := a.config.ControlStore
	for _, def := range a.config.Rivers {
		_, err := store.GetDefinition(ctx, def.Name)
		if err == nil {
			continue
		} else if !errors.Is(err, errors.NotFound) {
			return errors.Annotatef(err, "reading river %q", def.Name)
		}
		if err := store.PutDefinition(ctx, def); err != nil {
			return errors.Annotatef(err, "creating river %q", def.Name)
		}
		if err := store.SetDesiredStatus(ctx, def.Name, status.Running); err != nil {
			return errors.Annotatef(err, "starting river %q", def.Name)
		}
		a.config.Logger.Infof("river %q created from configuration", def.Name)
	}
	return nil
}
