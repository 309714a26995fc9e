package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/pulse/types"
)

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"power of two", Config{Capacity: 8, BatchSize: 4}, true},
		{"zero capacity", Config{Capacity: 0}, false},
		{"not power of two", Config{Capacity: 12, BatchSize: 4}, false},
		{"batch exceeds capacity", Config{Capacity: 8, BatchSize: 16}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New[int](tc.cfg)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrInvalidConfiguration))
			}
		})
	}
}

func TestWriteReadFIFO(t *testing.T) {
	buf, err := New[int](Config{Capacity: 16, BatchSize: 8})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, uint64(5), buf.Size())

	for i := 1; i <= 5; i++ {
		v, err := buf.Read()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.True(t, buf.Empty())
}

func TestOverflowWithOverwrite(t *testing.T) {
	buf, err := New[int](Config{Capacity: 8, OverwriteOld: true, BatchSize: 8})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, buf.Write(i))
	}

	st := buf.Stats()
	assert.Equal(t, uint64(10), st.TotalWrites)
	assert.Equal(t, uint64(3), st.Overwrites)

	// Usable capacity is 7; the oldest three were displaced.
	var got []int
	for {
		v, err := buf.Read()
		if err != nil {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, got)
}

func TestFullWithoutOverwrite(t *testing.T) {
	buf, err := New[int](Config{Capacity: 4, BatchSize: 4})
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))
	assert.True(t, buf.Full())

	err = buf.Write(4)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStorageFull))
	assert.Equal(t, uint64(1), buf.Stats().FailedWrites)
}

func TestWriteBatchStopsAtFirstFailure(t *testing.T) {
	buf, err := New[int](Config{Capacity: 4, BatchSize: 4})
	require.NoError(t, err)

	written := buf.WriteBatch([]int{1, 2, 3, 4, 5})
	assert.Equal(t, 3, written)
	assert.Equal(t, uint64(3), buf.Size())
}

func TestPeekDoesNotConsume(t *testing.T) {
	buf, err := New[string](Config{Capacity: 8, BatchSize: 4})
	require.NoError(t, err)

	require.NoError(t, buf.Write("head"))
	v, err := buf.Peek()
	require.NoError(t, err)
	assert.Equal(t, "head", v)
	assert.Equal(t, uint64(1), buf.Size())

	v, err = buf.Read()
	require.NoError(t, err)
	assert.Equal(t, "head", v)
}

func TestReadEmpty(t *testing.T) {
	buf, err := New[int](Config{Capacity: 8, BatchSize: 4})
	require.NoError(t, err)

	_, err = buf.Read()
	require.Error(t, err)
	assert.Equal(t, uint64(1), buf.Stats().FailedReads)

	_, err = buf.Peek()
	require.Error(t, err)
}

func TestReadBatchHonorsConfiguredBatchSize(t *testing.T) {
	buf, err := New[int](Config{Capacity: 32, BatchSize: 4})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Write(i))
	}

	out := buf.ReadBatch(100)
	assert.Len(t, out, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, out)
}

func TestClear(t *testing.T) {
	buf, err := New[int](Config{Capacity: 8, BatchSize: 4})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Clear()
	assert.True(t, buf.Empty())
	assert.Equal(t, uint64(0), buf.Size())
}

func TestStatsDerived(t *testing.T) {
	var s Stats
	assert.Equal(t, 100.0, s.WriteSuccessRate())
	assert.Equal(t, 0.0, s.OverflowRate())

	s = Stats{TotalWrites: 100, FailedWrites: 10, Overwrites: 20, ContentionRetries: 50}
	assert.InDelta(t, 90.0, s.WriteSuccessRate(), 1e-9)
	assert.InDelta(t, 20.0, s.OverflowRate(), 1e-9)
	assert.True(t, s.OverflowRateHigh())
	assert.InDelta(t, 0.5, s.AvgContention(), 1e-9)
}

func TestOverwriteAccounting(t *testing.T) {
	// After N writes with overwrite on, retrievable = min(N, cap-1) and
	// discarded = max(0, N-(cap-1)).
	const capacity = 16
	for _, n := range []int{5, 15, 40, 200} {
		buf, err := New[int](Config{Capacity: capacity, OverwriteOld: true, BatchSize: 8})
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, buf.Write(i))
		}
		usable := capacity - 1
		wantSize := n
		if wantSize > usable {
			wantSize = usable
		}
		assert.Equal(t, uint64(wantSize), buf.Size(), "n=%d", n)
		wantDiscarded := n - usable
		if wantDiscarded < 0 {
			wantDiscarded = 0
		}
		assert.Equal(t, uint64(wantDiscarded), buf.Stats().Overwrites, "n=%d", n)
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	buf, err := New[int](Config{Capacity: 1024, OverwriteOld: true, BatchSize: 64})
	require.NoError(t, err)

	const writers = 4
	const perWriter = 1000
	var writerWG sync.WaitGroup
	writerWG.Add(writers)

	for w := 0; w < writers; w++ {
		go func(base int) {
			defer writerWG.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base + i)
			}
		}(w * perWriter)
	}

	writersDone := make(chan struct{})
	go func() {
		writerWG.Wait()
		close(writersDone)
	}()

	// Drain concurrently until the writers finish and the buffer is empty.
	read := 0
	for {
		if _, err := buf.Read(); err == nil {
			read++
			continue
		}
		select {
		case <-writersDone:
			if buf.Empty() {
				st := buf.Stats()
				assert.Equal(t, uint64(writers*perWriter), st.TotalWrites)
				assert.Equal(t, uint64(read), st.TotalReads-st.FailedReads)
				return
			}
		default:
		}
	}
}

func BenchmarkWrite(b *testing.B) {
	buf, _ := New[int64](Config{Capacity: 8192, OverwriteOld: true, BatchSize: 64})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(int64(i))
	}
}

func BenchmarkWriteReadPair(b *testing.B) {
	buf, _ := New[int64](Config{Capacity: 8192, OverwriteOld: true, BatchSize: 64})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(int64(i))
		_, _ = buf.Read()
	}
}
