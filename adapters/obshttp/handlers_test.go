package obshttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pulse "github.com/99souls/pulse"
	"github.com/99souls/pulse/config"
	"github.com/99souls/pulse/types"
)

func testRuntime(t *testing.T, cpu, mem float64) *pulse.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.CollectionEnabled = false
	rt, err := pulse.New(cfg, pulse.Options{
		Platform: types.MetricsProviderFunc(func() (types.SystemMetrics, error) {
			return types.SystemMetrics{CPUUsagePercent: cpu, MemoryUsagePercent: mem, Timestamp: time.Now()}, nil
		}),
	})
	require.NoError(t, err)
	return rt
}

func TestHealthEndpointHealthy(t *testing.T) {
	rt := testRuntime(t, 10, 10)
	h := NewHealthHandler(Options{Runtime: rt})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	rt := testRuntime(t, 99, 99)
	h := NewHealthHandler(Options{Runtime: rt})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpointWithoutRuntime(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	rt := testRuntime(t, 20, 30)
	rt.Monitor().RecordMetric("custom.gauge", 42, map[string]string{"site": "a"})

	rec := httptest.NewRecorder()
	NewSnapshotHandler(Options{Runtime: rt}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.NotEmpty(t, snap.SourceID)

	found := false
	for _, m := range snap.Metrics {
		if m.Name == "custom.gauge" && m.Tags["site"] == "a" {
			found = true
			assert.Equal(t, 42.0, m.Value)
		}
	}
	assert.True(t, found)
}

func TestMetricsEndpointExportsTaggedStore(t *testing.T) {
	rt := testRuntime(t, 20, 30)
	rt.Monitor().RecordMetric("scrape.me", 7, nil)

	rec := httptest.NewRecorder()
	NewMetricsHandler(Options{Runtime: rt}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulse_scrape_me 7")
}

func TestMuxRoutes(t *testing.T) {
	rt := testRuntime(t, 20, 30)
	mux := NewMux(Options{Runtime: rt})

	for _, path := range []string{"/healthz", "/snapshot", "/metrics"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
