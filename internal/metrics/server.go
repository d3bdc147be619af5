package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/audiencekit/segment-engine/internal/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer exposes /metrics plus liveness/readiness probes on the sidecar
// port, away from the public API.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()), http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, result, status)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}
