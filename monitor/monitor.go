// Package monitor provides the performance-monitor facade: it composes the
// profiler and tagged-metric store with an external platform MetricsProvider
// and produces snapshots and health evaluations.
package monitor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/99souls/pulse/metricstore"
	"github.com/99souls/pulse/profiler"
	"github.com/99souls/pulse/types"
)

// Thresholds drive health classification.
type Thresholds struct {
	CPUPercent    float64       `yaml:"cpu_percent"`
	MemoryPercent float64       `yaml:"memory_percent"`
	LatencyP95    time.Duration `yaml:"latency_p95"`
}

// Config composes the facade.
type Config struct {
	SourceID   string          `yaml:"source_id"`
	Profiler   profiler.Config `yaml:"profiler"`
	Thresholds Thresholds      `yaml:"thresholds"`
}

// DefaultConfig flags CPU above 85%, memory above 90% and p95 latency above
// one second.
func DefaultConfig() Config {
	return Config{
		Profiler: profiler.DefaultConfig(),
		Thresholds: Thresholds{
			CPUPercent:    85,
			MemoryPercent: 90,
			LatencyP95:    time.Second,
		},
	}
}

// Validate checks the nested profiler config and threshold ranges.
func (c Config) Validate() error {
	if err := c.Profiler.Validate(); err != nil {
		return err
	}
	if c.Thresholds.CPUPercent <= 0 || c.Thresholds.CPUPercent > 100 {
		return types.NewError(types.ErrInvalidConfiguration, "cpu threshold must be in (0,100]")
	}
	if c.Thresholds.MemoryPercent <= 0 || c.Thresholds.MemoryPercent > 100 {
		return types.NewError(types.ErrInvalidConfiguration, "memory threshold must be in (0,100]")
	}
	if c.Thresholds.LatencyP95 <= 0 {
		return types.NewError(types.ErrInvalidConfiguration, "latency threshold must be positive")
	}
	return nil
}

// PerformanceMonitor implements types.Monitor.
type PerformanceMonitor struct {
	cfg      Config
	sourceID string
	profiler *profiler.Profiler
	tagged   *metricstore.Store
	provider types.MetricsProvider
	now      func() time.Time
}

// New builds a monitor around the given platform provider; nil falls back to
// the null provider so collection still produces partial snapshots.
func New(cfg Config, provider types.MetricsProvider) (*PerformanceMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prof, err := profiler.New(cfg.Profiler)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		provider = types.NullMetricsProvider{}
	}
	sourceID := cfg.SourceID
	if sourceID == "" {
		sourceID = "monitor-" + uuid.NewString()[:8]
	}
	return &PerformanceMonitor{
		cfg:      cfg,
		sourceID: sourceID,
		profiler: prof,
		tagged:   metricstore.New(),
		provider: provider,
		now:      time.Now,
	}, nil
}

// SourceID identifies this monitor in snapshots.
func (m *PerformanceMonitor) SourceID() string { return m.sourceID }

// Profiler exposes the operation profiler for direct sample recording.
func (m *PerformanceMonitor) Profiler() *profiler.Profiler { return m.profiler }

// TaggedStore exposes the tagged-metric store.
func (m *PerformanceMonitor) TaggedStore() *metricstore.Store { return m.tagged }

// RecordOperation registers one timed invocation with the profiler.
func (m *PerformanceMonitor) RecordOperation(name string, d time.Duration, success bool) {
	m.profiler.RecordSample(name, d, success)
}

// RecordMetric stores a measurement under gauge semantics.
func (m *PerformanceMonitor) RecordMetric(name string, value float64, tags map[string]string) {
	_ = m.tagged.GaugeSet(name, tags, value)
}

// Metrics assembles a snapshot: system reading (when the provider delivers),
// profiler aggregates (mean duration in nanoseconds as the primary value per
// operation) and every tagged metric. A failing provider degrades to a
// partial snapshot, never an error.
func (m *PerformanceMonitor) Metrics() types.Snapshot {
	snap := types.Snapshot{CaptureTime: m.now(), SourceID: m.sourceID}

	if sys, err := m.provider.CurrentMetrics(); err == nil {
		snap.AddMetric("system.cpu.usage_percent", sys.CPUUsagePercent, nil)
		snap.AddMetric("system.memory.usage_percent", sys.MemoryUsagePercent, nil)
		snap.AddMetric("system.memory.usage_bytes", float64(sys.MemoryUsageBytes), nil)
		snap.AddMetric("system.memory.available_bytes", float64(sys.AvailableMemoryBytes), nil)
		snap.AddMetric("system.threads", float64(sys.ThreadCount), nil)
	}

	for _, pm := range m.profiler.AllMetrics() {
		tags := map[string]string{"operation": pm.Operation}
		snap.AddMetric("profile.duration.mean_ns", float64(pm.Summary.Mean), tags)
		snap.AddMetric("profile.calls", float64(pm.CallCount), tags)
		snap.AddMetric("profile.errors", float64(pm.ErrorCount), tags)
	}

	for _, tm := range m.tagged.Snapshot() {
		snap.Metrics = append(snap.Metrics, tm.MetricValue)
	}
	return snap
}

// CheckHealth evaluates thresholds: one trigger degrades, two or more are
// unhealthy. The triggering conditions land in the result metadata.
func (m *PerformanceMonitor) CheckHealth() types.HealthCheckResult {
	start := m.now()
	triggers := make(map[string]string)

	if sys, err := m.provider.CurrentMetrics(); err != nil {
		triggers["provider"] = err.Error()
	} else {
		if sys.CPUUsagePercent > m.cfg.Thresholds.CPUPercent {
			triggers["cpu"] = fmt.Sprintf("%.1f%% > %.1f%%", sys.CPUUsagePercent, m.cfg.Thresholds.CPUPercent)
		}
		if sys.MemoryUsagePercent > m.cfg.Thresholds.MemoryPercent {
			triggers["memory"] = fmt.Sprintf("%.1f%% > %.1f%%", sys.MemoryUsagePercent, m.cfg.Thresholds.MemoryPercent)
		}
	}

	for _, pm := range m.profiler.AllMetrics() {
		if pm.Summary.P95 > m.cfg.Thresholds.LatencyP95 {
			triggers["latency:"+pm.Operation] = pm.Summary.P95.String() + " > " + m.cfg.Thresholds.LatencyP95.String()
		}
	}

	status := types.HealthHealthy
	message := "all thresholds satisfied"
	switch {
	case len(triggers) >= 2:
		status = types.HealthUnhealthy
		message = strconv.Itoa(len(triggers)) + " thresholds exceeded"
	case len(triggers) == 1:
		status = types.HealthDegraded
		for k := range triggers {
			message = "threshold exceeded: " + k
		}
	}

	return types.HealthCheckResult{
		Status:        status,
		Message:       message,
		Metadata:      triggers,
		CheckDuration: m.now().Sub(start),
		Timestamp:     start,
	}
}

// Reset clears profiler entries and tagged metrics.
func (m *PerformanceMonitor) Reset() {
	m.profiler.ClearAll()
	m.tagged.Clear()
}

var _ types.Monitor = (*PerformanceMonitor)(nil)

// Provider hands out monitors, implementing types.MonitorProvider. The
// default monitor is created lazily.
type Provider struct {
	cfg      Config
	platform types.MetricsProvider

	mu       sync.Mutex
	def      *PerformanceMonitor
	monitors map[string]*PerformanceMonitor
}

// NewProvider builds a monitor provider from a shared config template.
func NewProvider(cfg Config, platform types.MetricsProvider) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, platform: platform, monitors: make(map[string]*PerformanceMonitor)}, nil
}

// GetMonitor returns the lazily-created default monitor.
func (p *Provider) GetMonitor() types.Monitor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.def == nil {
		p.def, _ = New(p.cfg, p.platform)
	}
	return p.def
}

// CreateMonitor builds a named monitor; names are unique.
func (p *Provider) CreateMonitor(name string) (types.Monitor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.monitors[name]; ok {
		return nil, types.NewError(types.ErrAlreadyExists, "monitor %q already exists", name)
	}
	cfg := p.cfg
	cfg.SourceID = name
	mon, err := New(cfg, p.platform)
	if err != nil {
		return nil, err
	}
	p.monitors[name] = mon
	return mon, nil
}

var _ types.MonitorProvider = (*Provider)(nil)

// Global singleton ------------------------------------------------------------

var (
	globalMu      sync.Mutex
	globalMonitor *PerformanceMonitor
)

// Global returns the process-wide monitor, initializing it on first use with
// defaults and the null platform provider.
func Global() *PerformanceMonitor {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMonitor == nil {
		globalMonitor, _ = New(DefaultConfig(), nil)
	}
	return globalMonitor
}

// SetGlobal installs a custom process-wide monitor; the previous one is
// returned so callers can restore it.
func SetGlobal(m *PerformanceMonitor) *PerformanceMonitor {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := globalMonitor
	globalMonitor = m
	return prev
}

// ResetGlobalForTests clears the singleton. Intended for tests.
func ResetGlobalForTests() {
	globalMu.Lock()
	globalMonitor = nil
	globalMu.Unlock()
}
