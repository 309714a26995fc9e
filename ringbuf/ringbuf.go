// Package ringbuf implements the bounded lock-free FIFO used for hot-path
// metric storage. Writers and readers coordinate through two atomic indices
// kept on separate cache lines; capacity is a power of two so slot wrapping
// is a bitmask rather than a modulus. One slot is sacrificed to distinguish
// full from empty, so a buffer of capacity C holds at most C-1 elements.
package ringbuf

import (
	"sync/atomic"
	"time"

	"github.com/99souls/pulse/types"
)

// maxContentionRetries bounds the CAS loop so extreme contention degrades to
// an error instead of a livelock.
const maxContentionRetries = 100

// Config controls buffer behavior.
type Config struct {
	// Capacity must be a nonzero power of two.
	Capacity uint64
	// OverwriteOld drops the oldest element instead of failing when full.
	OverwriteOld bool
	// BatchSize caps ReadBatch; zero defaults to 64.
	BatchSize uint64
}

// DefaultConfig mirrors the tuning the collectors use: 8K slots, overwrite on.
func DefaultConfig() Config {
	return Config{Capacity: 8192, OverwriteOld: true, BatchSize: 64}
}

// Validate rejects capacities that are zero or not a power of two, and batch
// sizes outside (0, capacity].
func (c Config) Validate() error {
	if c.Capacity == 0 || c.Capacity&(c.Capacity-1) != 0 {
		return types.NewError(types.ErrInvalidConfiguration, "ring buffer capacity must be a power of two, got %d", c.Capacity)
	}
	if c.BatchSize > c.Capacity {
		return types.NewError(types.ErrInvalidConfiguration, "batch size %d exceeds capacity %d", c.BatchSize, c.Capacity)
	}
	return nil
}

// Stats is a point-in-time copy of the buffer counters.
type Stats struct {
	TotalWrites       uint64
	TotalReads        uint64
	Overwrites        uint64
	FailedWrites      uint64
	FailedReads       uint64
	ContentionRetries uint64
	CreationTime      time.Time
}

// WriteSuccessRate returns the percentage of writes that did not fail.
func (s Stats) WriteSuccessRate() float64 {
	if s.TotalWrites == 0 {
		return 100.0
	}
	return (1.0 - float64(s.FailedWrites)/float64(s.TotalWrites)) * 100.0
}

// ReadSuccessRate returns the percentage of reads that did not fail.
func (s Stats) ReadSuccessRate() float64 {
	if s.TotalReads == 0 {
		return 100.0
	}
	return (1.0 - float64(s.FailedReads)/float64(s.TotalReads)) * 100.0
}

// OverflowRate returns overwrites as a percentage of total writes.
func (s Stats) OverflowRate() float64 {
	if s.TotalWrites == 0 {
		return 0.0
	}
	return float64(s.Overwrites) / float64(s.TotalWrites) * 100.0
}

// OverflowRateHigh reports whether more than 10% of writes displaced data.
func (s Stats) OverflowRateHigh() bool { return s.OverflowRate() > 10.0 }

// AvgContention returns CAS retries per write.
func (s Stats) AvgContention() float64 {
	if s.TotalWrites == 0 {
		return 0.0
	}
	return float64(s.ContentionRetries) / float64(s.TotalWrites)
}

// pad keeps the two hot indices on separate cache lines to avoid false
// sharing between producers and consumers.
type pad [56]byte

// Buffer is a bounded MPMC queue of T.
type Buffer[T any] struct {
	writeIdx atomic.Uint64
	_        pad
	readIdx  atomic.Uint64
	_        pad

	slots []T
	cfg   Config
	mask  uint64

	totalWrites       atomic.Uint64
	totalReads        atomic.Uint64
	overwrites        atomic.Uint64
	failedWrites      atomic.Uint64
	failedReads       atomic.Uint64
	contentionRetries atomic.Uint64
	createdAt         time.Time
}

// New allocates a buffer, rejecting invalid configurations.
func New[T any](cfg Config) (*Buffer[T], error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer[T]{
		slots:     make([]T, cfg.Capacity),
		cfg:       cfg,
		mask:      cfg.Capacity - 1,
		createdAt: time.Now(),
	}, nil
}

func (b *Buffer[T]) isFull(write, read uint64) bool  { return (write+1)&b.mask == read }
func (b *Buffer[T]) isEmpty(write, read uint64) bool { return write == read }

// Write claims a slot and stores item. When the buffer is full the behavior
// depends on OverwriteOld: either the oldest element is displaced (counted as
// an overwrite) or the call fails with storage_full. The CAS loop gives up
// after maxContentionRetries.
func (b *Buffer[T]) Write(item T) error {
	b.totalWrites.Add(1)

	var current, next uint64
	overflowCounted := false
	retries := 0

	for {
		current = b.writeIdx.Load()
		read := b.readIdx.Load()

		if b.isFull(current, read) {
			if !b.cfg.OverwriteOld {
				b.failedWrites.Add(1)
				return types.NewError(types.ErrStorageFull,
					"ring buffer full (size %d/%d, overwrites %d)",
					b.Size(), b.cfg.Capacity, b.overwrites.Load())
			}
			// Advance the read index to make room. Losing the CAS means
			// another writer or a reader already freed the slot.
			if b.readIdx.CompareAndSwap(read, (read+1)&b.mask) && !overflowCounted {
				b.overwrites.Add(1)
				overflowCounted = true
			}
		}

		next = (current + 1) & b.mask

		retries++
		if retries > maxContentionRetries {
			b.failedWrites.Add(1)
			return types.NewError(types.ErrCollectionFailed,
				"ring buffer write abandoned after %d retries (high contention)", maxContentionRetries)
		}

		if b.writeIdx.CompareAndSwap(current, next) {
			break
		}
		b.contentionRetries.Add(1)
	}

	b.slots[current] = item
	return nil
}

// WriteBatch writes items sequentially, returning how many succeeded. With
// overwrite disabled it stops at the first failure.
func (b *Buffer[T]) WriteBatch(items []T) int {
	written := 0
	for i := range items {
		if err := b.Write(items[i]); err != nil {
			if !b.cfg.OverwriteOld {
				break
			}
			continue
		}
		written++
	}
	return written
}

// Read removes and returns the oldest element.
func (b *Buffer[T]) Read() (T, error) {
	var zero T
	b.totalReads.Add(1)

	for {
		read := b.readIdx.Load()
		write := b.writeIdx.Load()

		if b.isEmpty(write, read) {
			b.failedReads.Add(1)
			return zero, types.NewError(types.ErrCollectionFailed, "ring buffer is empty")
		}

		item := b.slots[read]
		if b.readIdx.CompareAndSwap(read, (read+1)&b.mask) {
			return item, nil
		}
		b.contentionRetries.Add(1)
	}
}

// ReadBatch drains up to max elements (capped by the configured batch size).
func (b *Buffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	limit := int(b.cfg.BatchSize)
	if max < limit {
		limit = max
	}
	out := make([]T, 0, limit)
	for len(out) < limit {
		item, err := b.Read()
		if err != nil {
			break
		}
		out = append(out, item)
	}
	return out
}

// Peek returns the oldest element without removing it.
func (b *Buffer[T]) Peek() (T, error) {
	var zero T
	read := b.readIdx.Load()
	write := b.writeIdx.Load()
	if b.isEmpty(write, read) {
		return zero, types.NewError(types.ErrCollectionFailed, "ring buffer is empty")
	}
	return b.slots[read], nil
}

// Size derives the element count from the two indices, wrap-aware.
func (b *Buffer[T]) Size() uint64 {
	write := b.writeIdx.Load()
	read := b.readIdx.Load()
	if write >= read {
		return write - read
	}
	return b.cfg.Capacity - read + write
}

// Capacity returns the configured slot count (usable capacity is one less).
func (b *Buffer[T]) Capacity() uint64 { return b.cfg.Capacity }

// Empty reports whether no elements are retrievable.
func (b *Buffer[T]) Empty() bool { return b.Size() == 0 }

// Full reports whether the next non-overwriting write would fail.
func (b *Buffer[T]) Full() bool {
	return b.isFull(b.writeIdx.Load(), b.readIdx.Load())
}

// Clear resets both indices. Concurrent writers may observe a torn clear;
// callers quiesce producers first.
func (b *Buffer[T]) Clear() {
	b.writeIdx.Store(0)
	b.readIdx.Store(0)
}

// Config returns the buffer configuration.
func (b *Buffer[T]) Config() Config { return b.cfg }

// Stats snapshots the counters.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		TotalWrites:       b.totalWrites.Load(),
		TotalReads:        b.totalReads.Load(),
		Overwrites:        b.overwrites.Load(),
		FailedWrites:      b.failedWrites.Load(),
		FailedReads:       b.failedReads.Load(),
		ContentionRetries: b.contentionRetries.Load(),
		CreationTime:      b.createdAt,
	}
}

// ResetStats zeroes the counters and restarts the creation clock.
func (b *Buffer[T]) ResetStats() {
	b.totalWrites.Store(0)
	b.totalReads.Store(0)
	b.overwrites.Store(0)
	b.failedWrites.Store(0)
	b.failedReads.Store(0)
	b.contentionRetries.Store(0)
	b.createdAt = time.Now()
}
