package stats

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeFiveSamples(t *testing.T) {
	samples := []time.Duration{
		1_000_000, 2_000_000, 3_000_000, 4_000_000, 5_000_000,
	}
	s := Summarize(samples)
	assert.Equal(t, time.Duration(1_000_000), s.Min)
	assert.Equal(t, time.Duration(5_000_000), s.Max)
	assert.Equal(t, time.Duration(3_000_000), s.Mean)
	assert.Equal(t, time.Duration(3_000_000), s.Median)
	// floor((95/100)*(5-1)) = floor((99/100)*(5-1)) = 3.
	assert.Equal(t, time.Duration(4_000_000), s.P95)
	assert.Equal(t, time.Duration(4_000_000), s.P99)
	assert.Equal(t, time.Duration(15_000_000), s.Total)
}

func TestSummarizeSingleSample(t *testing.T) {
	s := Summarize([]time.Duration{42 * time.Millisecond})
	for _, v := range []time.Duration{s.Min, s.Max, s.Mean, s.Median, s.P95, s.P99} {
		assert.Equal(t, 42*time.Millisecond, v)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestSummarizeUnsortedInputNotMutated(t *testing.T) {
	samples := []time.Duration{5, 1, 4, 2, 3}
	s := Summarize(samples)
	assert.Equal(t, time.Duration(1), s.Min)
	assert.Equal(t, time.Duration(5), s.Max)
	assert.Equal(t, []time.Duration{5, 1, 4, 2, 3}, samples, "input order must be preserved")
}

func TestSummarizeDeterministic(t *testing.T) {
	samples := []time.Duration{7, 3, 9, 1, 5, 8, 2}
	require.Equal(t, Summarize(samples), Summarize(samples))
}

func TestDescribePopulationStdDev(t *testing.T) {
	// Values 2,4,4,4,5,5,7,9: canonical population stddev 2.0.
	p := Describe([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 8, p.Count)
	assert.InDelta(t, 5.0, p.Mean, 1e-9)
	assert.InDelta(t, 2.0, p.StdDev, 1e-9)
	assert.Equal(t, 2.0, p.Min)
	assert.Equal(t, 9.0, p.Max)
}

func TestDescribePercentiles(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	p := Describe(values)
	assert.Equal(t, 94.0, p.P95)
	assert.Equal(t, 98.0, p.P99)
}

func TestDescribeEmpty(t *testing.T) {
	p := Describe(nil)
	assert.Equal(t, 0, p.Count)
	assert.True(t, math.Abs(p.StdDev) < 1e-12)
}
