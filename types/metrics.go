package types

import (
	"sort"
	"strings"
	"time"
)

// MetricValue is a single named measurement with optional tags. Tag identity
// is order-insensitive; CanonicalKey produces the sorted form used as a map
// key by stores.
type MetricValue struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// CanonicalKey returns the identity of the metric: name plus tags sorted
// lexicographically by key.
func (m MetricValue) CanonicalKey() string {
	return CanonicalMetricKey(m.Name, m.Tags)
}

// CanonicalMetricKey builds the (name, sorted-tag-list) identity string.
func CanonicalMetricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('{')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(tags[k])
		sb.WriteByte('}')
	}
	return sb.String()
}

// Snapshot is a point-in-time immutable copy of a set of metrics.
type Snapshot struct {
	CaptureTime time.Time     `json:"capture_time"`
	SourceID    string        `json:"source_id"`
	Metrics     []MetricValue `json:"metrics"`
}

// AddMetric appends a measurement stamped with the snapshot capture time.
func (s *Snapshot) AddMetric(name string, value float64, tags map[string]string) {
	ts := s.CaptureTime
	if ts.IsZero() {
		ts = time.Now()
	}
	s.Metrics = append(s.Metrics, MetricValue{Name: name, Value: value, Timestamp: ts, Tags: tags})
}

// SystemMetrics is one reading from a platform MetricsProvider.
type SystemMetrics struct {
	CPUUsagePercent      float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent   float64   `json:"memory_usage_percent"`
	MemoryUsageBytes     uint64    `json:"memory_usage_bytes"`
	AvailableMemoryBytes uint64    `json:"available_memory_bytes"`
	ThreadCount          uint64    `json:"thread_count"`
	Timestamp            time.Time `json:"timestamp"`
}

// MetricsProvider abstracts platform probes (procfs, sysfs, WMI, ...) which
// live outside this module. Implementations return errors; they must not
// panic across this boundary.
type MetricsProvider interface {
	CurrentMetrics() (SystemMetrics, error)
}

// NullMetricsProvider is the no-platform fallback: every read fails with
// resource_unavailable so callers exercise their partial-data paths.
type NullMetricsProvider struct{}

func (NullMetricsProvider) CurrentMetrics() (SystemMetrics, error) {
	return SystemMetrics{}, NewError(ErrResourceUnavailable, "no platform metrics provider configured")
}

// MetricsProviderFunc adapts a plain function to the MetricsProvider interface.
type MetricsProviderFunc func() (SystemMetrics, error)

func (f MetricsProviderFunc) CurrentMetrics() (SystemMetrics, error) { return f() }
