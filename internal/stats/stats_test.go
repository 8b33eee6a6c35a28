package stats_test

import (
	"math"
	"math/rand"
	"testing"

	"codeberg.org/mutker/acmeprobe/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEmpty(t *testing.T) {
	agg := stats.NewAggregator()

	snap := agg.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Zero(t, snap.Mean)
	assert.Zero(t, snap.Variance)
	assert.Nil(t, snap.Histogram.Counts)
}

func TestSingleValue(t *testing.T) {
	agg := stats.NewAggregator()
	agg.Update(2.5)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.Count)
	assert.InDelta(t, 2.5, snap.Mean, 1e-12)
	assert.InDelta(t, 2.5, snap.Min, 1e-12)
	assert.InDelta(t, 2.5, snap.Max, 1e-12)
	assert.Zero(t, snap.Variance)
}

func TestMatchesTwoPassComputation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := make([]float64, 10_000)
	for i := range values {
		values[i] = 2.0 + rng.NormFloat64()*0.3
	}

	agg := stats.NewAggregator()
	for _, v := range values {
		agg.Update(v)
	}
	snap := agg.Snapshot()

	var sum float64
	minV, maxV := values[0], values[0]
	for _, v := range values {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	mean := sum / float64(len(values))

	var m2 float64
	for _, v := range values {
		m2 += (v - mean) * (v - mean)
	}
	variance := m2 / float64(len(values))

	assert.Equal(t, uint64(len(values)), snap.Count)
	assert.InEpsilon(t, mean, snap.Mean, 1e-9)
	assert.InEpsilon(t, variance, snap.Variance, 1e-9)
	assert.Equal(t, minV, snap.Min)
	assert.Equal(t, maxV, snap.Max)
}

func TestHistogramTotalCount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	agg := stats.NewAggregator()

	const n = 5000
	for i := 0; i < n; i++ {
		agg.Update(rng.Float64() * 10)
	}

	snap := agg.Snapshot()
	require.NotEmpty(t, snap.Histogram.Counts)

	var total uint64
	for _, c := range snap.Histogram.Counts {
		total += c
	}
	assert.Equal(t, uint64(n), total, "every value lands in exactly one bucket")
	assert.Less(t, snap.Histogram.Lo, snap.Histogram.Hi)
}

func TestHistogramBoundsFreeze(t *testing.T) {
	agg := stats.NewAggregator()

	// Warmup values span [0, 1).
	for i := 0; i < 100; i++ {
		agg.Update(float64(i%10) / 10)
	}
	before := agg.Snapshot()

	// An extreme outlier after the freeze must not move the bounds.
	agg.Update(1000)
	after := agg.Snapshot()

	assert.Equal(t, before.Histogram.Lo, after.Histogram.Lo)
	assert.Equal(t, before.Histogram.Hi, after.Histogram.Hi)

	// The outlier lands in the last bucket.
	last := len(after.Histogram.Counts) - 1
	assert.Equal(t, before.Histogram.Counts[last]+1, after.Histogram.Counts[last])

	// Min and max still track the true extremes.
	assert.InDelta(t, 1000.0, after.Max, 1e-12)
}

func TestTransientHistogramBeforeFreeze(t *testing.T) {
	agg := stats.NewAggregator()
	for i := 0; i < 10; i++ {
		agg.Update(float64(i))
	}

	snap := agg.Snapshot()
	require.NotEmpty(t, snap.Histogram.Counts, "a histogram is available before the bounds freeze")

	var total uint64
	for _, c := range snap.Histogram.Counts {
		total += c
	}
	assert.Equal(t, uint64(10), total)
}

func TestReset(t *testing.T) {
	agg := stats.NewAggregator()
	for i := 0; i < 200; i++ {
		agg.Update(float64(i))
	}
	agg.Reset()

	snap := agg.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Nil(t, snap.Histogram.Counts)

	// The next stream refreezes its own bounds.
	for i := 0; i < 100; i++ {
		agg.Update(5.0)
	}
	snap = agg.Snapshot()
	assert.Equal(t, uint64(100), snap.Count)
	assert.InDelta(t, 5.0, snap.Mean, 1e-12)
}
