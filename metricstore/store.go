// Package metricstore indexes counters, gauges and histograms by canonical
// (name, sorted-tag) identity.
package metricstore

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/pulse/types"
)

// Kind tags the metric variant.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// HistogramSnapshot is a consistent copy of one histogram cell.
type HistogramSnapshot struct {
	Boundaries []float64
	Counts     []uint64
	Sum        float64
	Count      uint64
}

// Metric is one exported cell: a MetricValue plus its kind, and the
// histogram detail when applicable.
type Metric struct {
	types.MetricValue
	Kind      Kind
	Histogram *HistogramSnapshot
}

type cell struct {
	name string
	tags map[string]string
	kind Kind

	// Counter and gauge payload: float64 bits in an atomic word.
	bits atomic.Uint64

	// Histogram payload, guarded by mu.
	mu         sync.Mutex
	boundaries []float64
	counts     []uint64
	sum        float64
	count      uint64
}

func (c *cell) loadFloat() float64     { return math.Float64frombits(c.bits.Load()) }
func (c *cell) storeFloat(v float64)   { c.bits.Store(math.Float64bits(v)) }
func (c *cell) addFloat(delta float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Store is the thread-safe tagged-metric index. Cell lookup takes the read
// lock; creation upgrades and double-checks.
type Store struct {
	mu    sync.RWMutex
	cells map[string]*cell

	// Default boundaries applied to histograms observed without explicit
	// registration.
	defaultBuckets []float64
}

// Option mutates the store at construction.
type Option func(*Store)

// WithDefaultBuckets overrides the implicit histogram boundaries.
func WithDefaultBuckets(bounds []float64) Option {
	return func(s *Store) { s.defaultBuckets = append([]float64(nil), bounds...) }
}

// New builds an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		cells:          make(map[string]*cell),
		defaultBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validBoundaries(bounds []float64) bool {
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return false
		}
	}
	return len(bounds) > 0
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func (s *Store) getOrCreate(name string, tags map[string]string, kind Kind, boundaries []float64) (*cell, error) {
	key := types.CanonicalMetricKey(name, tags)
	s.mu.RLock()
	c := s.cells[key]
	s.mu.RUnlock()
	if c != nil {
		if c.kind != kind {
			return nil, types.NewError(types.ErrAlreadyExists, "metric %q already registered as %s", key, c.kind)
		}
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.cells[key]; c != nil {
		if c.kind != kind {
			return nil, types.NewError(types.ErrAlreadyExists, "metric %q already registered as %s", key, c.kind)
		}
		return c, nil
	}
	c = &cell{name: name, tags: copyTags(tags), kind: kind}
	if kind == KindHistogram {
		c.boundaries = append([]float64(nil), boundaries...)
		c.counts = make([]uint64, len(boundaries)+1)
	}
	s.cells[key] = c
	return c, nil
}

// CounterAdd adds delta to the counter identified by (name, tags). Counters
// are monotonic: negative deltas are rejected.
func (s *Store) CounterAdd(name string, tags map[string]string, delta float64) error {
	if delta < 0 {
		return types.NewError(types.ErrInvalidConfiguration, "counter %q delta must be non-negative, got %f", name, delta)
	}
	c, err := s.getOrCreate(name, tags, KindCounter, nil)
	if err != nil {
		return err
	}
	c.addFloat(delta)
	return nil
}

// GaugeSet stores value under last-write-wins semantics.
func (s *Store) GaugeSet(name string, tags map[string]string, value float64) error {
	c, err := s.getOrCreate(name, tags, KindGauge, nil)
	if err != nil {
		return err
	}
	c.storeFloat(value)
	return nil
}

// RegisterHistogram creates a histogram cell with explicit ascending, unique
// bucket boundaries.
func (s *Store) RegisterHistogram(name string, tags map[string]string, boundaries []float64) error {
	if !validBoundaries(boundaries) {
		return types.NewError(types.ErrInvalidConfiguration, "histogram %q boundaries must be ascending and unique", name)
	}
	_, err := s.getOrCreate(name, tags, KindHistogram, boundaries)
	return err
}

// HistogramObserve records value into the matching bucket: the first index
// whose boundary is >= value, or the overflow bucket past the last boundary.
func (s *Store) HistogramObserve(name string, tags map[string]string, value float64) error {
	c, err := s.getOrCreate(name, tags, KindHistogram, s.defaultBuckets)
	if err != nil {
		return err
	}
	idx := sort.SearchFloat64s(c.boundaries, value)
	c.mu.Lock()
	c.counts[idx]++
	c.sum += value
	c.count++
	c.mu.Unlock()
	return nil
}

// Snapshot copies every cell. Histograms are copied under their lock so
// counts, sum and count are mutually consistent.
func (s *Store) Snapshot() []Metric {
	s.mu.RLock()
	cells := make([]*cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	now := time.Now()
	out := make([]Metric, 0, len(cells))
	for _, c := range cells {
		m := Metric{
			MetricValue: types.MetricValue{Name: c.name, Timestamp: now, Tags: copyTags(c.tags)},
			Kind:        c.kind,
		}
		switch c.kind {
		case KindHistogram:
			c.mu.Lock()
			h := &HistogramSnapshot{
				Boundaries: append([]float64(nil), c.boundaries...),
				Counts:     append([]uint64(nil), c.counts...),
				Sum:        c.sum,
				Count:      c.count,
			}
			c.mu.Unlock()
			m.Histogram = h
			m.Value = h.Sum
		default:
			m.Value = c.loadFloat()
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey() < out[j].CanonicalKey() })
	return out
}

// Visit calls fn for each cell snapshot.
func (s *Store) Visit(fn func(Metric)) {
	for _, m := range s.Snapshot() {
		fn(m)
	}
}

// Len returns the number of cells.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// Clear drops every cell.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cells = make(map[string]*cell)
	s.mu.Unlock()
}
