// Package api exposes the record store and broadcast hub over a REST surface
// and a persistent WebSocket channel.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syncboard/internal/hub"
	"syncboard/internal/store"
)

// Options carries the transport tunables for the WebSocket endpoint.
type Options struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	return o
}

// NewRouter wires the full HTTP surface over the given store and hub.
func NewRouter(st *store.Store, h *hub.Hub, opts Options) http.Handler {
	handler := &Handler{store: st, hub: h, opts: opts.withDefaults()}

	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handler.Health)
	r.Get("/records", handler.ListRecords)
	r.Get("/records/since", handler.RecordsSince)
	r.Post("/records", handler.CreateRecord)
	r.Patch("/records/{id}", handler.UpdateRecord)
	r.Delete("/records/{id}", handler.DeleteRecord)
	r.Get("/ws", handler.ServeWS)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
	})
}
