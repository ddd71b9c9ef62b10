package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerOptions struct {
	// RequestTimeout bounds the read endpoints. Pump triggers are not
	// bounded here since they last as long as the watering run.
	RequestTimeout time.Duration

	// StaticDir, if set, is served at /
	StaticDir string
}

// NewServer builds the HTTP handler for the API
func NewServer(h *Handlers, opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger())
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			r.Get("/latest", h.handle(h.GetLatest))
			r.Get("/history", h.handle(h.GetHistory))
			r.Get("/moisture", h.handle(h.GetMoistureSnapshot))
			r.Get("/moisture/history/{sensorNumber}", h.handle(h.GetMoistureHistory))
			r.Get("/water/events", h.handle(h.GetWateringEvents))
			r.Get("/stats", h.handle(h.GetStats))
		})

		r.Post("/water/plant/{id}", h.handle(h.TriggerPump))
	})

	r.Get("/healthz", h.handle(h.Health))
	r.Handle("/metrics", promhttp.Handler())

	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}

	return r
}
