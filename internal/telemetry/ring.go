package telemetry

import (
	"sort"
	"sync"
)

// ring keeps the last N latency samples for quantile estimation. Updates
// take a lightweight per-metric lock; quantiles copy out under the same
// lock and sort outside it.
type ring struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newRing(size int) *ring {
	return &ring{samples: make([]float64, size)}
}

func (r *ring) observe(v float64) {
	r.mu.Lock()
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// quantiles returns the requested quantiles over the retained samples.
// An empty ring yields zeros.
func (r *ring) quantiles(qs ...float64) []float64 {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	window := make([]float64, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	out := make([]float64, len(qs))
	if n == 0 {
		return out
	}
	sort.Float64s(window)
	for i, q := range qs {
		idx := int(q * float64(n-1))
		out[i] = window[idx]
	}
	return out
}
