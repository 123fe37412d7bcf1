package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a sliding-window rate limiter: at most N departures within any
// rolling window of length W. Unlike a token bucket it never lets a burst
// plus refill exceed N inside a single window, which is what the upstream
// free tier meters.
type Window struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	stamps   []time.Time

	totalAcquired int64
	totalWaits    int64
}

// NewWindow creates a sliding-window limiter admitting capacity requests
// per window.
func NewWindow(capacity int, window time.Duration) *Window {
	return &Window{
		capacity: capacity,
		window:   window,
		stamps:   make([]time.Time, 0, capacity),
	}
}

// TryAcquire takes a slot if one is available. It never blocks.
func (w *Window) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.evict(now)
	if len(w.stamps) < w.capacity {
		w.stamps = append(w.stamps, now)
		w.totalAcquired++
		return true
	}
	return false
}

// Acquire blocks until a slot is available in the current window or the
// context is cancelled.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.evict(now)
		if len(w.stamps) < w.capacity {
			w.stamps = append(w.stamps, now)
			w.totalAcquired++
			w.mu.Unlock()
			return nil
		}
		wait := w.window - now.Sub(w.stamps[0])
		w.totalWaits++
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// evict drops timestamps that have left the window. Caller holds the lock.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Stats returns a snapshot of the limiter counters.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(time.Now())
	return Stats{
		Capacity:      w.capacity,
		Window:        w.window,
		InWindow:      len(w.stamps),
		TotalAcquired: w.totalAcquired,
		TotalWaits:    w.totalWaits,
	}
}

// Stats represents sliding-window limiter statistics
type Stats struct {
	Capacity      int           `json:"capacity"`
	Window        time.Duration `json:"window"`
	InWindow      int           `json:"in_window"`
	TotalAcquired int64         `json:"total_acquired"`
	TotalWaits    int64         `json:"total_waits"`
}

// Tier is one (capacity, window) pair of a multi-tier limit.
type Tier struct {
	Capacity int
	Window   time.Duration
}

// MultiTier enforces several sliding windows simultaneously, e.g. 10/s and
// 100/min. Acquire satisfies the tiers in order, tightest first being the
// conventional layout.
type MultiTier struct {
	windows []*Window
}

// NewMultiTier creates a limiter from the given tiers. At least one tier
// is required; a nil or empty tier list yields a no-op limiter.
func NewMultiTier(tiers ...Tier) *MultiTier {
	m := &MultiTier{}
	for _, t := range tiers {
		m.windows = append(m.windows, NewWindow(t.Capacity, t.Window))
	}
	return m
}

// Acquire blocks until every tier has admitted the request.
func (m *MultiTier) Acquire(ctx context.Context) error {
	for _, w := range m.windows {
		if err := w.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TryAcquire admits the request only if every tier has a free slot right
// now. Slots taken from earlier tiers are not returned on a later refusal;
// both counted a departure that never happened, which only makes the
// limiter stricter.
func (m *MultiTier) TryAcquire() bool {
	for _, w := range m.windows {
		if !w.TryAcquire() {
			return false
		}
	}
	return true
}

// Stats returns per-tier snapshots.
func (m *MultiTier) Stats() []Stats {
	out := make([]Stats, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w.Stats())
	}
	return out
}
