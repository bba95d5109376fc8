// Package httpapi wires WindVectorService, StreamlineService, and
// VolumePackService behind a gorilla/mux router, applying the request-ID →
// tracing → rate-limit → audit → recovery middleware chain ahead of every
// route handler.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"weathercompute/internal/observability"
	"weathercompute/internal/service/streamline"
	"weathercompute/internal/service/vector"
	"weathercompute/internal/service/volume"
	"weathercompute/pkg/config"
	"weathercompute/pkg/database"
	"weathercompute/pkg/metrics"
	"weathercompute/pkg/ratelimit"
)

// Deps collects everything the router needs to build its handlers.
type Deps struct {
	Vector        *vector.Service
	Streamline    *streamline.Service
	Volume        *volume.Service
	Observability *observability.Hooks
	RateLimiter   ratelimit.Limiter
	Editor        config.EditorConfig
	VolumeLimits  config.VolumeConfig
	DB            database.DB
	CacheReady    func() error
}

// NewRouter builds the public HTTP router: the five spec §6 endpoints plus
// health/readiness/metrics, with the full middleware chain applied.
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()

	chain := []func(http.Handler) http.Handler{
		requestIDMiddleware,
		tracingMiddleware,
		rateLimitMiddleware(deps.RateLimiter),
		auditMiddleware(deps.Observability),
		metricsMiddleware,
		recoveryMiddleware,
	}

	wrap := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		for i := len(chain) - 1; i >= 0; i-- {
			handler = chain[i](handler)
		}
		return handler
	}

	r.Handle("/vector/{source}/{run}/wind/{level}/{time}", wrap(vectorHandler(deps.Vector))).Methods(http.MethodGet)
	r.Handle("/vector/{source}/{run}/wind/{level}/{time}/streamlines", wrap(streamlineHandler(deps.Streamline))).Methods(http.MethodGet)

	prewarm := prewarmHandler(deps.Vector)
	prewarmHandlerChain := editorGateMiddleware(deps.Editor)(prewarm)
	r.Handle("/vector/{source}/{run}/wind/{level}/{time}/prewarm", wrap(prewarmHandlerChain.ServeHTTP)).Methods(http.MethodPost)

	r.Handle("/volume", wrap(volumeHandler(deps.Volume, deps.VolumeLimits))).Methods(http.MethodGet)
	r.Handle("/volume/stats", wrap(volumeStatsHandler(deps.Observability))).Methods(http.MethodGet)

	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyzHandler(deps)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}
