package timeseries

import (
	"sort"
	"time"

	"github.com/99souls/pulse/types"
)

// Config controls retention and downsampling for a Store.
type Config struct {
	Retention            time.Duration `yaml:"retention"`
	Resolution           time.Duration `yaml:"resolution"`
	MaxPoints            int           `yaml:"max_points"`
	EnableCompression    bool          `yaml:"enable_compression"`
	CompressionThreshold float64       `yaml:"compression_threshold"`
}

// DefaultConfig keeps an hour of data at one-second resolution.
func DefaultConfig() Config {
	return Config{
		Retention:            time.Hour,
		Resolution:           time.Second,
		MaxPoints:            3600,
		EnableCompression:    false,
		CompressionThreshold: 0.8,
	}
}

// Validate rejects non-positive retention/resolution, max points below 1 and
// compression thresholds outside [0,1].
func (c Config) Validate() error {
	if c.Retention <= 0 {
		return types.NewError(types.ErrInvalidConfiguration, "retention must be positive")
	}
	if c.Resolution < time.Nanosecond {
		return types.NewError(types.ErrInvalidConfiguration, "resolution must be at least 1ns")
	}
	if c.MaxPoints < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max points must be at least 1, got %d", c.MaxPoints)
	}
	if c.CompressionThreshold < 0 || c.CompressionThreshold > 1 {
		return types.NewError(types.ErrInvalidConfiguration, "compression threshold must be in [0,1], got %f", c.CompressionThreshold)
	}
	return nil
}

// QueryOptions selects a time range; Step > Resolution requests downsampling.
type QueryOptions struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// QueryResult is an ordered slice of points plus the number of raw samples
// they represent.
type QueryResult struct {
	Points       []Point `json:"points"`
	TotalSamples uint64  `json:"total_samples"`
}

// Average returns the arithmetic mean of the result values.
func (r QueryResult) Average() float64 {
	if len(r.Points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range r.Points {
		sum += p.Value
	}
	return sum / float64(len(r.Points))
}

// Rate returns (last - first) / elapsed seconds, the per-second delta across
// the result window.
func (r QueryResult) Rate() float64 {
	if len(r.Points) < 2 {
		return 0
	}
	first := r.Points[0]
	last := r.Points[len(r.Points)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (last.Value - first.Value) / elapsed
}

// Store wraps a Buffer with retention pruning and range queries. The clock is
// injectable so retention behavior is testable without sleeping.
type Store struct {
	cfg Config
	buf *Buffer
	now func() time.Time
}

// NewStore builds a store, rejecting invalid configurations.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	buf, err := NewBuffer(cfg.MaxPoints)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, buf: buf, now: time.Now}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// AddPoint appends a sample stamped now, then prunes.
func (s *Store) AddPoint(value float64) {
	s.AddPointAt(value, s.now())
}

// AddPointAt appends a sample with an explicit timestamp, then prunes by
// retention. Size pruning is inherent: the buffer evicts its oldest point at
// capacity.
func (s *Store) AddPointAt(value float64, ts time.Time) {
	s.maybeCompress()
	s.buf.AddAt(value, ts)
	s.prune()
}

// maybeCompress halves the resolution of the older half of the buffer once
// occupancy crosses the configured threshold: adjacent pairs merge into one
// aggregate carrying the pair's mean and combined sample count. This trades
// old-data fidelity for headroom instead of dropping points outright.
func (s *Store) maybeCompress() {
	if !s.cfg.EnableCompression {
		return
	}
	threshold := int(float64(s.cfg.MaxPoints) * s.cfg.CompressionThreshold)
	if threshold < 2 || s.buf.Len() < threshold {
		return
	}
	points := s.buf.Range(time.Time{}, s.now().Add(s.cfg.Retention))
	half := len(points) / 2
	compressed := make([]Point, 0, half/2+1+len(points)-half)
	for i := 0; i+1 < half; i += 2 {
		a, b := points[i], points[i+1]
		total := a.SampleCount + b.SampleCount
		compressed = append(compressed, Point{
			Timestamp:   a.Timestamp,
			Value:       (a.Value*float64(a.SampleCount) + b.Value*float64(b.SampleCount)) / float64(total),
			SampleCount: total,
		})
	}
	if half%2 == 1 {
		compressed = append(compressed, points[half-1])
	}
	compressed = append(compressed, points[half:]...)

	s.buf.Clear()
	for _, p := range compressed {
		s.buf.AddPoint(p)
	}
}

// AddPoints appends a batch, pruning once up front.
func (s *Store) AddPoints(points []Point) {
	s.prune()
	for _, p := range points {
		s.buf.AddPoint(p)
	}
}

// GC prunes expired points outside the write path.
func (s *Store) GC() int { return s.prune() }

func (s *Store) prune() int {
	cutoff := s.now().Add(-s.cfg.Retention)
	return s.buf.DropWhile(func(p Point) bool { return p.Timestamp.Before(cutoff) })
}

// Query returns points in [Start, End]. When Step exceeds the configured
// resolution, raw points are folded into buckets of width Step anchored at
// Start: each output value is the arithmetic mean of the bucket's raw points,
// SampleCount is the bucket population, the timestamp is the bucket start,
// and empty buckets are omitted.
func (s *Store) Query(opts QueryOptions) (QueryResult, error) {
	if opts.End.Before(opts.Start) {
		return QueryResult{}, types.NewError(types.ErrInvalidConfiguration, "query end precedes start")
	}
	raw := s.buf.Range(opts.Start, opts.End)

	if opts.Step <= 0 || opts.Step <= s.cfg.Resolution {
		out := QueryResult{Points: raw}
		for _, p := range raw {
			out.TotalSamples += uint64(p.SampleCount)
		}
		return out, nil
	}

	type bucket struct {
		sum     float64
		points  uint32
		samples uint32
	}
	buckets := make(map[int64]*bucket)
	for _, p := range raw {
		idx := int64(p.Timestamp.Sub(opts.Start) / opts.Step)
		b := buckets[idx]
		if b == nil {
			b = &bucket{}
			buckets[idx] = b
		}
		b.sum += p.Value
		b.points++
		b.samples += p.SampleCount
	}

	indices := make([]int64, 0, len(buckets))
	for idx := range buckets {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	result := QueryResult{Points: make([]Point, 0, len(indices))}
	for _, idx := range indices {
		b := buckets[idx]
		result.Points = append(result.Points, Point{
			Timestamp:   opts.Start.Add(time.Duration(idx) * opts.Step),
			Value:       b.sum / float64(b.points),
			SampleCount: b.samples,
		})
		result.TotalSamples += uint64(b.samples)
	}
	return result, nil
}

// Latest proxies the underlying buffer.
func (s *Store) Latest() (float64, error) { return s.buf.Latest() }

// Statistics proxies the underlying buffer.
func (s *Store) Statistics() Statistics { return s.buf.Statistics() }

// Len returns the stored point count.
func (s *Store) Len() int { return s.buf.Len() }

// Clear drops all points.
func (s *Store) Clear() { s.buf.Clear() }

// Config returns the store configuration.
func (s *Store) Config() Config { return s.cfg }
