// Package control exposes the debug/control HTTP API: GET /streams,
// GET /streams/{key}/debug, GET /metrics. Grounded
// on Emibrown-HLS-Playlist-Orchestrator/cmd/server/main.go's chi-router
// wiring and internal/orchestrator/handler.go's Handler shape.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/streamcore/internal/stream"
	"github.com/zsiec/streamcore/internal/telemetry"
)

// Handler serves the control/debug API over the session manager.
type Handler struct {
	sessions *stream.Manager
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

// NewHandler returns a Handler. metrics may be nil to disable the
// /metrics route.
func NewHandler(sessions *stream.Manager, metrics *telemetry.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sessions: sessions, metrics: metrics, log: log.With("component", "control")}
}

// Router builds the chi router exposing this Handler's routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/streams", h.ListStreams)
	r.Get("/streams/{key}/debug", h.StreamDebug)
	if h.metrics != nil {
		r.Get("/metrics", h.Metrics)
	}
	return r
}

type streamSummary struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	StartedAt string `json:"startedAt"`
}

// ListStreams handles GET /streams, returning a summary of every active
// playback session.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	out := make([]streamSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, streamSummary{ID: s.ID, Key: s.Key, StartedAt: s.StartedAt.Format(rfc3339)})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.log.Error("encode stream list failed", "error", err)
	}
}

// StreamDebug handles GET /streams/{key}/debug, returning the named
// session's current debug snapshot. The path parameter is the session's
// minted id (as returned by ListStreams) rather than its original key,
// since the key is typically a manifest URL and would need percent-
// decoding gymnastics to survive as a single chi path segment.
func (h *Handler) StreamDebug(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	found, ok := h.sessions.Get(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(found.Debug()); err != nil {
		h.log.Error("encode stream debug failed", "error", err)
	}
}

// Metrics handles GET /metrics, serving the Prometheus exposition format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
