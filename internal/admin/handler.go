// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/mongoriver/core/river"
)

// Result is the body of every response that carries no data.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UpdateServersRequest is the body of an update request.
type UpdateServersRequest struct {
	Servers []river.ServerAddress `json:"servers"`
}

type handler struct {
	service *Service
	logger  Logger
}

// NewHandler returns the HTTP routes of the admin surface. Metrics are
// served from the gatherer when it is not nil.
func NewHandler(service *Service, gatherer prometheus.Gatherer, logger Logger) http.Handler {
	h := &handler{service: service, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/_rivers", h.list).Methods(http.MethodGet)
	r.HandleFunc("/{river}/get", h.get).Methods(http.MethodGet)
	r.HandleFunc("/{river}/start", h.start).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{river}/stop", h.stop).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{river}/restart", h.restart).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{river}/delete", h.delete).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/{river}/update", h.update).Methods(http.MethodPut)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.sendError(w, req, http.StatusNotFound, errors.NotFoundf("action %q", req.URL.Path))
	})
	return r
}

func (h *handler) list(w http.ResponseWriter, req *http.Request) {
	page, err := intParam(req, "page", DefaultPage)
	if err != nil {
		h.sendError(w, req, http.StatusBadRequest, err)
		return
	}
	count, err := intParam(req, "count", DefaultCount)
	if err != nil {
		h.sendError(w, req, http.StatusBadRequest, err)
		return
	}
	list, err := h.service.List(req.Context(), page, count)
	if err != nil {
		h.sendError(w, req, statusCode(err, http.StatusBadRequest), err)
		return
	}
	h.sendJSON(w, http.StatusOK, list)
}

func (h *handler) get(w http.ResponseWriter, req *http.Request) {
	info, err := h.service.Get(req.Context(), mux.Vars(req)["river"])
	if err != nil {
		h.sendError(w, req, statusCode(err, http.StatusNotFound), err)
		return
	}
	h.sendJSON(w, http.StatusOK, info)
}

func (h *handler) start(w http.ResponseWriter, req *http.Request) {
	h.respond(w, req, h.service.Start(req.Context(), mux.Vars(req)["river"]))
}

func (h *handler) stop(w http.ResponseWriter, req *http.Request) {
	h.respond(w, req, h.service.Stop(req.Context(), mux.Vars(req)["river"]))
}

func (h *handler) restart(w http.ResponseWriter, req *http.Request) {
	h.respond(w, req, h.service.Restart(req.Context(), mux.Vars(req)["river"]))
}

func (h *handler) delete(w http.ResponseWriter, req *http.Request) {
	h.respond(w, req, h.service.Delete(req.Context(), mux.Vars(req)["river"]))
}

func (h *handler) update(w http.ResponseWriter, req *http.Request) {
	var args UpdateServersRequest
	if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
		h.sendError(w, req, http.StatusBadRequest, errors.NotValidf("request body: %v", err))
		return
	}
	if args.Servers == nil {
		h.sendError(w, req, http.StatusBadRequest, errors.NotValidf("missing servers"))
		return
	}
	_, err := h.service.UpdateServers(req.Context(), mux.Vars(req)["river"], args.Servers)
	h.respond(w, req, err)
}

func (h *handler) respond(w http.ResponseWriter, req *http.Request, err error) {
	if err != nil {
		h.sendError(w, req, statusCode(err, http.StatusBadRequest), err)
		return
	}
	h.sendJSON(w, http.StatusOK, Result{Success: true})
}

func (h *handler) sendError(w http.ResponseWriter, req *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.logger.Errorf("returning error from %s %s: %s", req.Method, req.URL, errors.Details(err))
	} else {
		h.logger.Debugf("returning error from %s %s: %v", req.Method, req.URL, err)
	}
	h.sendJSON(w, code, Result{Error: err.Error()})
}

func (h *handler) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("writing response: %v", err)
	}
}

// statusCode maps an error to a response code. Missing rivers are
// reported with notFound.
func statusCode(err error, notFound int) int {
	switch {
	case errors.Is(err, errors.NotFound):
		return notFound
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func intParam(req *http.Request, name string, defaultValue int) (int, error) {
	value := req.URL.Query().Get(name)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.NotValidf("%s %q", name, value)
	}
	return n, nil
}
