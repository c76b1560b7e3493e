// Package gateway assembles the HTTP surface: the local operational
// endpoints and the catch-all that hands everything else to the proxy
// pipeline.
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"discordproxy/internal/obs"
)

// New builds the router. metricsHandler, when non-nil, serves GET
// /metrics; /healthz always answers locally. Every other path falls
// through to fallback, so the operational endpoints never count toward
// the proxied traffic.
func New(fallback http.Handler, metricsHandler http.Handler, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.Logger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	r.NotFound(fallback.ServeHTTP)
	return r
}
