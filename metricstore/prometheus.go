package metricstore

import (
	"regexp"
	"sort"
	"strings"

	prom "github.com/prometheus/client_golang/prometheus"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// PromCollector adapts a Store to the prometheus.Collector interface so the
// tagged-metric cells show up on a scrape endpoint without double bookkeeping.
// Metrics are emitted as const metrics from the current snapshot; descriptors
// are built on the fly since the cell set is dynamic.
type PromCollector struct {
	store     *Store
	namespace string
}

// NewPromCollector wraps store for registration with a Prometheus registry.
func NewPromCollector(store *Store, namespace string) *PromCollector {
	return &PromCollector{store: store, namespace: namespace}
}

// Describe sends no descriptors, marking the collector unchecked. The cell
// set changes at runtime so upfront description is impossible.
func (c *PromCollector) Describe(ch chan<- *prom.Desc) {}

// Collect exports every cell from a consistent snapshot.
func (c *PromCollector) Collect(ch chan<- prom.Metric) {
	for _, m := range c.store.Snapshot() {
		keys, values := splitTags(m.Tags)
		fq := c.fqName(m.Name)
		desc := prom.NewDesc(fq, "", keys, nil)

		switch m.Kind {
		case KindCounter:
			pm, err := prom.NewConstMetric(desc, prom.CounterValue, m.Value, values...)
			if err == nil {
				ch <- pm
			}
		case KindGauge:
			pm, err := prom.NewConstMetric(desc, prom.GaugeValue, m.Value, values...)
			if err == nil {
				ch <- pm
			}
		case KindHistogram:
			if m.Histogram == nil {
				continue
			}
			buckets := make(map[float64]uint64, len(m.Histogram.Boundaries))
			var cumulative uint64
			for i, bound := range m.Histogram.Boundaries {
				cumulative += m.Histogram.Counts[i]
				buckets[bound] = cumulative
			}
			pm, err := prom.NewConstHistogram(desc, m.Histogram.Count, m.Histogram.Sum, buckets, values...)
			if err == nil {
				ch <- pm
			}
		}
	}
}

func (c *PromCollector) fqName(name string) string {
	sanitized := invalidNameChars.ReplaceAllString(strings.ReplaceAll(name, ".", "_"), "_")
	if c.namespace == "" {
		return sanitized
	}
	return c.namespace + "_" + sanitized
}

func splitTags(tags map[string]string) ([]string, []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return keys, values
}
