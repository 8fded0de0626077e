package analysis

import "math"

// floatRing is a fixed-capacity ring buffer of float64 samples
type floatRing struct {
	values []float64
	next   int
	filled bool
}

func newFloatRing(capacity int) *floatRing {
	return &floatRing{values: make([]float64, capacity)}
}

func (r *floatRing) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *floatRing) len() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}

func (r *floatRing) mean() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.values[i]
	}
	return sum / float64(n)
}

func (r *floatRing) stddev() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	mean := r.mean()
	sumSquaredDiff := 0.0
	for i := 0; i < n; i++ {
		diff := r.values[i] - mean
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(n))
}

func (r *floatRing) reset() {
	r.next = 0
	r.filled = false
}

// boolRing is a fixed-capacity ring buffer of booleans, used for the
// talk/silence series
type boolRing struct {
	values []bool
	next   int
	filled bool
}

func newBoolRing(capacity int) *boolRing {
	return &boolRing{values: make([]bool, capacity)}
}

func (r *boolRing) push(v bool) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *boolRing) len() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}

// trueRatio returns the fraction of true values in [0, 1]
func (r *boolRing) trueRatio() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	count := 0
	for i := 0; i < n; i++ {
		if r.values[i] {
			count++
		}
	}
	return float64(count) / float64(n)
}

// shortBursts counts runs of consecutive true values no longer than
// maxRun ticks, bounded by silence on both sides, in chronological order.
func (r *boolRing) shortBursts(maxRun int) int {
	n := r.len()
	if n == 0 {
		return 0
	}

	start := 0
	if r.filled {
		start = r.next
	}

	bursts := 0
	run := 0
	for i := 0; i < n; i++ {
		v := r.values[(start+i)%len(r.values)]
		if v {
			run++
			continue
		}
		if run > 0 && run <= maxRun {
			bursts++
		}
		run = 0
	}
	// A trailing open run is still in progress and is not counted
	return bursts
}

func (r *boolRing) reset() {
	r.next = 0
	r.filled = false
}
