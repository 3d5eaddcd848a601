// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

const shutdownTimeout = 5 * time.Second

// ServerConfig holds the configuration of the admin HTTP server.
type ServerConfig struct {
	Listener net.Listener
	Handler  http.Handler
	Logger   Logger
}

// Validate ensures the configuration is usable.
func (c ServerConfig) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Server serves the admin surface until killed.
type Server struct {
	catacomb catacomb.Catacomb
	config   ServerConfig
	server   *http.Server
}

// NewServer starts serving on the configured listener. The listener is
// closed when the worker stops.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Server{
		config: config,
		server: &http.Server{
			Handler:           config.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
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
func (w *Server) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Server) Wait() error {
	return w.catacomb.Wait()
}

// Addr returns the address being served.
func (w *Server) Addr() net.Addr {
	return w.config.Listener.Addr()
}

func (w *Server) loop() error {
	served := make(chan error, 1)
	go func() {
		served <- w.server.Serve(w.config.Listener)
	}()
	w.config.Logger.Infof("admin server listening on %s", w.Addr())

	select {
	case <-w.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.config.Logger.Warningf("admin server shutdown: %v", err)
			_ = w.server.Close()
		}
		<-served
		return w.catacomb.ErrDying()
	case err := <-served:
		return errors.Annotate(err, "serving admin requests")
	}
}
