// Package obshttp exposes the runtime over HTTP: health, a JSON snapshot and
// a Prometheus scrape endpoint.
package obshttp

import (
	"encoding/json"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pulse "github.com/99souls/pulse"
	"github.com/99souls/pulse/metricstore"
	"github.com/99souls/pulse/types"
)

// Options configures the handler set.
type Options struct {
	Runtime *pulse.Runtime
	// Registry receives the runtime's tagged metrics; nil allocates one.
	Registry *prom.Registry
	// Namespace prefixes exported metric names; empty means "pulse".
	Namespace string
	// Clock override for tests.
	Clock func() time.Time
}

type healthResponse struct {
	Status    types.HealthStatus `json:"status"`
	Message   string             `json:"message,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// NewHealthHandler reports the runtime's aggregated health. Degraded maps to
// 200 (still serving), unhealthy to 503.
func NewHealthHandler(opts Options) http.Handler {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.Runtime == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "runtime not configured"})
			return
		}
		result := opts.Runtime.Health()
		if result.Status == types.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:    result.Status,
			Message:   result.Message,
			Metadata:  result.Metadata,
			CheckedAt: clock(),
		})
	})
}

// NewSnapshotHandler serves the current snapshot as JSON.
func NewSnapshotHandler(opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.Runtime == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "runtime not configured"})
			return
		}
		snap := opts.Runtime.Monitor().Metrics()
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// NewMetricsHandler serves the Prometheus scrape endpoint with the runtime's
// tagged metrics registered as a collector.
func NewMetricsHandler(opts Options) http.Handler {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "pulse"
	}
	if opts.Runtime != nil {
		_ = reg.Register(metricstore.NewPromCollector(opts.Runtime.Monitor().TaggedStore(), ns))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewMux mounts the standard endpoint set: /healthz, /snapshot, /metrics.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHealthHandler(opts))
	mux.Handle("/snapshot", NewSnapshotHandler(opts))
	mux.Handle("/metrics", NewMetricsHandler(opts))
	return mux
}
