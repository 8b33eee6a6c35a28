// Package stats maintains running statistics over derived sample values.
// Mean and variance use Welford's online algorithm, so precision holds up
// over long captures. Histogram bucket bounds freeze once a warmup window of
// values has been observed; later extremes are folded into the outermost
// buckets instead of triggering a rebucket.
package stats

import "sync"

const (
	warmupSize  = 64
	bucketCount = 32
)

// Histogram is a fixed-bucket value distribution. Bucket i covers
// [Lo+i*w, Lo+(i+1)*w) with w = (Hi-Lo)/len(Counts); the outermost buckets
// absorb values beyond the frozen bounds.
type Histogram struct {
	Lo     float64
	Hi     float64
	Counts []uint64
}

// Snapshot is a point-in-time view of an aggregator. Variance is the
// population variance.
type Snapshot struct {
	Count     uint64
	Mean      float64
	Variance  float64
	Min       float64
	Max       float64
	Histogram Histogram
}

// Aggregator accumulates one value stream. Safe for one writer and any
// number of snapshot readers.
type Aggregator struct {
	mu      sync.Mutex
	count   uint64
	mean    float64
	m2      float64
	min     float64
	max     float64
	warmup  []float64
	buckets []uint64
	lo      float64
	width   float64
	frozen  bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) Update(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	if a.count == 1 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}

	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)

	if !a.frozen {
		a.warmup = append(a.warmup, v)
		if len(a.warmup) >= warmupSize {
			a.freezeLocked()
		}
		return
	}
	a.bucketLocked(v)
}

// freezeLocked pins the bucket bounds to the warmup min/max and folds the
// warmup values in.
func (a *Aggregator) freezeLocked() {
	a.lo = a.min
	a.width = (a.max - a.min) / bucketCount
	a.buckets = make([]uint64, bucketCount)
	for _, v := range a.warmup {
		a.bucketLocked(v)
	}
	a.warmup = nil
	a.frozen = true
}

func (a *Aggregator) bucketLocked(v float64) {
	if a.width <= 0 {
		a.buckets[0]++
		return
	}
	i := int((v - a.lo) / a.width)
	if i < 0 {
		i = 0
	}
	if i >= bucketCount {
		i = bucketCount - 1
	}
	a.buckets[i]++
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Count: a.count,
		Mean:  a.mean,
		Min:   a.min,
		Max:   a.max,
	}
	if a.count > 0 {
		snap.Variance = a.m2 / float64(a.count)
	}

	if a.frozen {
		counts := make([]uint64, len(a.buckets))
		copy(counts, a.buckets)
		snap.Histogram = Histogram{
			Lo:     a.lo,
			Hi:     a.lo + a.width*bucketCount,
			Counts: counts,
		}
		return snap
	}

	// Before the bounds freeze, derive a transient histogram from the
	// warmup values without mutating the aggregator.
	if len(a.warmup) > 0 {
		width := (a.max - a.min) / bucketCount
		counts := make([]uint64, bucketCount)
		for _, v := range a.warmup {
			if width <= 0 {
				counts[0]++
				continue
			}
			i := int((v - a.min) / width)
			if i < 0 {
				i = 0
			}
			if i >= bucketCount {
				i = bucketCount - 1
			}
			counts[i]++
		}
		snap.Histogram = Histogram{
			Lo:     a.min,
			Hi:     a.min + width*bucketCount,
			Counts: counts,
		}
	}

	return snap
}

// Reset clears all accumulated state, including frozen histogram bounds.
// Called on capture (re)start and channel recalibration.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count = 0
	a.mean = 0
	a.m2 = 0
	a.min = 0
	a.max = 0
	a.warmup = nil
	a.buckets = nil
	a.lo = 0
	a.width = 0
	a.frozen = false
}
