package httpapi

import (
	"encoding/json"
	"net/http"
)

type healthBody struct {
	Status string `json:"status"`
}

// healthzHandler is the liveness probe: the process is up and serving.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthBody{Status: "ok"})
}

// readyzHandler is the readiness probe: the catalog database must answer a
// ping, and, when a cache-readiness check was configured, it must pass too.
func readyzHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := deps.DB.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(healthBody{Status: "database unavailable"})
				return
			}
		}
		if deps.CacheReady != nil {
			if err := deps.CacheReady(); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(healthBody{Status: "cache unavailable"})
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthBody{Status: "ok"})
	}
}
