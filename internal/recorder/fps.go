package recorder

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FPSEstimator keeps a rolling window of frame arrival times and turns the
// mean inter-arrival delta into a clamped frame rate.
type FPSEstimator struct {
	mu         sync.Mutex
	ts         []time.Time
	next       int
	full       bool
	minSamples int
	def        float64
	lo, hi     float64
}

// NewFPSEstimator keeps history timestamps and needs minSamples of them
// before it stops returning def.
func NewFPSEstimator(history, minSamples int, def, lo, hi float64) *FPSEstimator {
	if history < 2 {
		history = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return &FPSEstimator{
		ts:         make([]time.Time, history),
		minSamples: minSamples,
		def:        def,
		lo:         lo,
		hi:         hi,
	}
}

// Observe records one arrival.
func (f *FPSEstimator) Observe(ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts[f.next] = ts
	f.next = (f.next + 1) % len(f.ts)
	if f.next == 0 {
		f.full = true
	}
}

func (f *FPSEstimator) ordered() []time.Time {
	if !f.full {
		return append([]time.Time(nil), f.ts[:f.next]...)
	}
	out := make([]time.Time, 0, len(f.ts))
	out = append(out, f.ts[f.next:]...)
	return append(out, f.ts[:f.next]...)
}

// Estimate returns the clamped rate, or the default when the window is too
// short or holds no forward steps.
func (f *FPSEstimator) Estimate() float64 {
	f.mu.Lock()
	ts := f.ordered()
	f.mu.Unlock()

	if len(ts) < f.minSamples {
		return f.def
	}
	deltas := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		if d := ts[i].Sub(ts[i-1]).Seconds(); d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return f.def
	}
	mean := stat.Mean(deltas, nil)
	if mean <= 0 {
		return f.def
	}
	return f.clamp(1 / mean)
}

func (f *FPSEstimator) clamp(fps float64) float64 {
	if fps < f.lo {
		return f.lo
	}
	if fps > f.hi {
		return f.hi
	}
	return fps
}
