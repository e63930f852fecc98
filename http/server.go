// Package http serves the public status API of a hub: liveness, the session
// summary, and the global model history.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	json "github.com/nikkolasg/hexjson"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/metrics"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/store"
)

const requestTimeout = 5 * time.Second

// StatusProvider reports the live state of a session.
type StatusProvider interface {
	Summary() *coordinator.Summary
}

type handler struct {
	store   store.Store
	status  StatusProvider
	version string
	log     log.Logger
}

// New creates the status API handler. status may be nil when no session runs
// in the process, in which case only the model history is served.
func New(st store.Store, status StatusProvider, version string, l log.Logger) http.Handler {
	h := &handler{store: st, status: status, version: version, log: l.Named("http")}

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/session", h.Session)
	r.Get("/model/latest", h.LatestModel)
	r.Get("/model/latest/export", h.LatestExport)
	r.Get("/model/{round}", h.Model)
	return metrics.InstrumentHandler(r)
}

func (h *handler) write(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", h.version)
	if _, err := w.Write(data); err != nil {
		h.log.Debugw("", "http", "write failed", "path", r.URL.Path, "err", err)
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	h.log.Warnw("", "http", "request failed", "path", r.URL.Path, "code", code, "err", err)
	http.Error(w, http.StatusText(code), code)
}

func (h *handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fgerrors.ErrNoModelStored) || errors.Is(err, fgerrors.ErrNoModelSaved) {
		h.fail(w, r, http.StatusNotFound, err)
		return
	}
	h.fail(w, r, http.StatusInternalServerError, err)
}

type health struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Round  uint64 `json:"round"`
}

// Health answers 200 while the history is readable.
func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := health{Status: "ok"}
	if h.status != nil {
		s := h.status.Summary()
		resp.State = s.State
		resp.Round = s.Rounds
	} else if g, err := h.store.Last(ctx); err == nil {
		resp.Round = g.Round
	} else if !errors.Is(err, fgerrors.ErrNoModelSaved) {
		h.fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.write(w, r, resp)
}

// Session returns the session summary.
func (h *handler) Session(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		h.fail(w, r, http.StatusNotFound, errors.New("no session running"))
		return
	}
	h.write(w, r, h.status.Summary())
}

// LatestModel returns the last committed global model.
func (h *handler) LatestModel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	g, err := h.store.Last(ctx)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.write(w, r, g)
}

// LatestExport returns the export document of the last committed model.
func (h *handler) LatestExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	g, err := h.store.Last(ctx)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.write(w, r, g.Export())
}

// Model returns the global model committed at the requested round.
func (h *handler) Model(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid round: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	g, err := h.store.Get(ctx, round)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.write(w, r, g)
}
