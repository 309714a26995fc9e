// Package profiler stores per-operation latency samples with bounded windows
// and LRU eviction. The map is guarded by a read-favoring RWMutex; each entry
// carries its own mutex so the hot record path never serializes across
// operations.
package profiler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/pulse/stats"
	"github.com/99souls/pulse/types"
)

// Config bounds the store.
type Config struct {
	MaxProfiles            int `yaml:"max_profiles"`
	MaxSamplesPerOperation int `yaml:"max_samples_per_operation"`
}

// DefaultConfig keeps up to 256 operations with 1024-sample windows.
func DefaultConfig() Config {
	return Config{MaxProfiles: 256, MaxSamplesPerOperation: 1024}
}

// Validate rejects non-positive bounds.
func (c Config) Validate() error {
	if c.MaxProfiles < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max profiles must be at least 1, got %d", c.MaxProfiles)
	}
	if c.MaxSamplesPerOperation < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max samples per operation must be at least 1, got %d", c.MaxSamplesPerOperation)
	}
	return nil
}

// Metrics is the aggregated view of one operation.
type Metrics struct {
	Operation  string
	CallCount  uint64
	ErrorCount uint64
	Summary    stats.Summary
}

// entry is the per-operation record. callCount/errorCount are atomics so the
// counters never wait on the sample window lock; lastAccess is a relaxed
// monotonic tick used only for LRU ordering.
type entry struct {
	callCount  atomic.Uint64
	errorCount atomic.Uint64
	lastAccess atomic.Uint64

	mu      sync.Mutex
	samples []time.Duration
	head    int
	filled  bool
}

// appendSample pushes a duration into the bounded window, evicting the oldest
// once full.
func (e *entry) appendSample(d time.Duration, window int) {
	e.mu.Lock()
	if len(e.samples) < window {
		e.samples = append(e.samples, d)
	} else {
		e.samples[e.head] = d
		e.head = (e.head + 1) % window
		e.filled = true
	}
	e.mu.Unlock()
}

// snapshotSamples copies the window in insertion order.
func (e *entry) snapshotSamples() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]time.Duration, 0, len(e.samples))
	if e.filled {
		out = append(out, e.samples[e.head:]...)
		out = append(out, e.samples[:e.head]...)
	} else {
		out = append(out, e.samples...)
	}
	return out
}

func (e *entry) clearSamples() {
	e.mu.Lock()
	e.samples = e.samples[:0]
	e.head = 0
	e.filled = false
	e.mu.Unlock()
}

// Profiler is the thread-safe per-operation sample store.
type Profiler struct {
	cfg     Config
	enabled atomic.Bool
	tick    atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a profiler, rejecting invalid configurations.
func New(cfg Config) (*Profiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Profiler{cfg: cfg, entries: make(map[string]*entry)}
	p.enabled.Store(true)
	return p, nil
}

// SetEnabled toggles collection. Recording on a disabled profiler succeeds
// silently with no side effects.
func (p *Profiler) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports whether the profiler is collecting.
func (p *Profiler) Enabled() bool { return p.enabled.Load() }

func (p *Profiler) touch(e *entry) { e.lastAccess.Store(p.tick.Add(1)) }

// RecordSample registers one invocation of operation with its duration and
// outcome.
func (p *Profiler) RecordSample(operation string, d time.Duration, success bool) {
	if !p.enabled.Load() {
		return
	}
	e := p.getOrCreate(operation)
	e.callCount.Add(1)
	if !success {
		e.errorCount.Add(1)
	}
	e.appendSample(d, p.cfg.MaxSamplesPerOperation)
	p.touch(e)
}

// getOrCreate takes the read lock first; entry creation upgrades to the
// write lock and double-checks to tolerate the upgrade race. Inserting past
// MaxProfiles evicts the least-recently-accessed entry.
func (p *Profiler) getOrCreate(operation string) *entry {
	p.mu.RLock()
	e := p.entries[operation]
	p.mu.RUnlock()
	if e != nil {
		return e
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e = p.entries[operation]; e != nil {
		return e
	}
	if len(p.entries) >= p.cfg.MaxProfiles {
		p.evictLRULocked()
	}
	e = &entry{samples: make([]time.Duration, 0, min(p.cfg.MaxSamplesPerOperation, 64))}
	p.entries[operation] = e
	return e
}

func (p *Profiler) evictLRULocked() {
	var victim string
	var oldest uint64 = ^uint64(0)
	for name, e := range p.entries {
		if tick := e.lastAccess.Load(); tick < oldest {
			oldest = tick
			victim = name
		}
	}
	if victim != "" {
		delete(p.entries, victim)
	}
}

// Metrics aggregates the named operation, refreshing its LRU position. An
// unknown name yields not_found.
func (p *Profiler) Metrics(operation string) (Metrics, error) {
	p.mu.RLock()
	e := p.entries[operation]
	p.mu.RUnlock()
	if e == nil {
		return Metrics{}, types.NewError(types.ErrNotFound, "no profile recorded for operation %q", operation)
	}
	p.touch(e)
	return Metrics{
		Operation:  operation,
		CallCount:  e.callCount.Load(),
		ErrorCount: e.errorCount.Load(),
		Summary:    stats.Summarize(e.snapshotSamples()),
	}, nil
}

// AllMetrics aggregates every operation. Entries are referenced under the map
// read lock, then each is snapshotted under its own lock only, so statistics
// are computed without nested locking.
func (p *Profiler) AllMetrics() []Metrics {
	p.mu.RLock()
	names := make([]string, 0, len(p.entries))
	refs := make([]*entry, 0, len(p.entries))
	for name, e := range p.entries {
		names = append(names, name)
		refs = append(refs, e)
	}
	p.mu.RUnlock()

	out := make([]Metrics, 0, len(refs))
	for i, e := range refs {
		out = append(out, Metrics{
			Operation:  names[i],
			CallCount:  e.callCount.Load(),
			ErrorCount: e.errorCount.Load(),
			Summary:    stats.Summarize(e.snapshotSamples()),
		})
	}
	return out
}

// ClearSamples drops the named operation's window; counters survive.
func (p *Profiler) ClearSamples(operation string) error {
	p.mu.RLock()
	e := p.entries[operation]
	p.mu.RUnlock()
	if e == nil {
		return types.NewError(types.ErrNotFound, "no profile recorded for operation %q", operation)
	}
	e.clearSamples()
	return nil
}

// ClearAll removes every entry.
func (p *Profiler) ClearAll() {
	p.mu.Lock()
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
}

// Len returns the number of tracked operations.
func (p *Profiler) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
