// Package timeseries provides the fixed-capacity sample buffer and the
// retention/downsampling store built on top of it.
package timeseries

import (
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/99souls/pulse/stats"
	"github.com/99souls/pulse/types"
)

// Point is one timestamped sample. SampleCount is 1 for raw points and >1
// for downsampled aggregates.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	SampleCount uint32    `json:"sample_count"`
}

// Statistics describes the current buffer contents.
type Statistics struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Buffer holds up to maxSamples points under a single RWMutex. Readers run
// concurrently; writers hold the write lock briefly. Insertion timestamps
// need not be strictly increasing; query results are sorted on the way out.
type Buffer struct {
	mu         sync.RWMutex
	points     []Point
	maxSamples int
}

// NewBuffer allocates a buffer capped at maxSamples points.
func NewBuffer(maxSamples int) (*Buffer, error) {
	if maxSamples < 1 {
		return nil, types.NewError(types.ErrInvalidConfiguration, "buffer capacity must be at least 1, got %d", maxSamples)
	}
	return &Buffer{points: make([]Point, 0, maxSamples), maxSamples: maxSamples}, nil
}

// Add appends a sample stamped now, evicting the oldest at capacity.
func (b *Buffer) Add(value float64) { b.AddAt(value, time.Now()) }

// AddAt appends a sample with an explicit timestamp.
func (b *Buffer) AddAt(value float64, ts time.Time) {
	b.mu.Lock()
	if len(b.points) >= b.maxSamples {
		copy(b.points, b.points[1:])
		b.points = b.points[:len(b.points)-1]
	}
	b.points = append(b.points, Point{Timestamp: ts, Value: value, SampleCount: 1})
	b.mu.Unlock()
}

// AddPoint appends a fully-formed point (used by the store for aggregates).
func (b *Buffer) AddPoint(p Point) {
	if p.SampleCount == 0 {
		p.SampleCount = 1
	}
	b.mu.Lock()
	if len(b.points) >= b.maxSamples {
		copy(b.points, b.points[1:])
		b.points = b.points[:len(b.points)-1]
	}
	b.points = append(b.points, p)
	b.mu.Unlock()
}

// Latest returns the most recently inserted value.
func (b *Buffer) Latest() (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.points) == 0 {
		return 0, types.NewError(types.ErrNotFound, "time series buffer is empty")
	}
	return b.points[len(b.points)-1].Value, nil
}

// SamplesWithin returns copies of all points newer than now-d, sorted by
// timestamp.
func (b *Buffer) SamplesWithin(d time.Duration) []Point {
	cutoff := time.Now().Add(-d)
	b.mu.RLock()
	out := make([]Point, 0, len(b.points))
	for _, p := range b.points {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Range returns copies of all points with start <= ts <= end, sorted.
func (b *Buffer) Range(start, end time.Time) []Point {
	b.mu.RLock()
	out := make([]Point, 0, len(b.points))
	for _, p := range b.points {
		if !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			out = append(out, p)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Statistics computes population statistics over the current contents.
func (b *Buffer) Statistics() Statistics {
	b.mu.RLock()
	values := make([]float64, len(b.points))
	for i, p := range b.points {
		values[i] = p.Value
	}
	b.mu.RUnlock()

	pop := stats.Describe(values)
	return Statistics{
		Count:  pop.Count,
		Min:    pop.Min,
		Max:    pop.Max,
		Mean:   pop.Mean,
		StdDev: pop.StdDev,
		P95:    pop.P95,
		P99:    pop.P99,
	}
}

// Oldest returns the earliest point by insertion order.
func (b *Buffer) Oldest() (Point, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.points) == 0 {
		return Point{}, false
	}
	return b.points[0], true
}

// DropWhile removes points from the front while keep returns true.
func (b *Buffer) DropWhile(keep func(Point) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(b.points) && keep(b.points[n]) {
		n++
	}
	if n > 0 {
		copy(b.points, b.points[n:])
		b.points = b.points[:len(b.points)-n]
	}
	return n
}

// Clear removes all points.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.points = b.points[:0]
	b.mu.Unlock()
}

// Len returns the current point count.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.points)
}

// Cap returns the configured maximum point count.
func (b *Buffer) Cap() int { return b.maxSamples }

// MemoryFootprint estimates the bytes held by the backing array.
func (b *Buffer) MemoryFootprint() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uintptr(cap(b.points))*unsafe.Sizeof(Point{}) + unsafe.Sizeof(*b)
}
