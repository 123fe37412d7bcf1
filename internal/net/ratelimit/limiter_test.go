package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWindow_TryAcquireCapacity(t *testing.T) {
	limiter := NewWindow(3, time.Second)

	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire() {
			t.Fatalf("acquire %d should succeed within capacity", i)
		}
	}
	if limiter.TryAcquire() {
		t.Error("acquire beyond capacity should fail")
	}
}

func TestWindow_SlotsFreeAfterWindow(t *testing.T) {
	limiter := NewWindow(2, 50*time.Millisecond)

	if !limiter.TryAcquire() || !limiter.TryAcquire() {
		t.Fatal("initial acquires should succeed")
	}
	if limiter.TryAcquire() {
		t.Fatal("window should be full")
	}

	time.Sleep(60 * time.Millisecond)
	if !limiter.TryAcquire() {
		t.Error("slot should free up after the window elapses")
	}
}

func TestWindow_AcquireBlocksThenAdmits(t *testing.T) {
	limiter := NewWindow(1, 50*time.Millisecond)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if waited := time.Since(start); waited < 40*time.Millisecond {
		t.Errorf("second acquire should have waited ~window, waited %v", waited)
	}
}

func TestWindow_AcquireHonorsCancellation(t *testing.T) {
	limiter := NewWindow(1, time.Minute)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWindow_NeverExceedsCapacityPerWindow(t *testing.T) {
	const capacity = 10
	window := 100 * time.Millisecond
	limiter := NewWindow(capacity, window)

	var mu sync.Mutex
	var departures []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			departures = append(departures, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(departures) != 25 {
		t.Fatalf("expected 25 departures, got %d", len(departures))
	}

	// No rolling window may contain more than capacity departures.
	for _, anchor := range departures {
		count := 0
		for _, d := range departures {
			if !d.Before(anchor) && d.Sub(anchor) < window {
				count++
			}
		}
		if count > capacity {
			t.Fatalf("window starting %v holds %d departures, capacity %d",
				anchor, count, capacity)
		}
	}
}

func TestMultiTier_EnforcesEveryTier(t *testing.T) {
	// 3 per 50ms AND 4 per 200ms.
	limiter := NewMultiTier(
		Tier{Capacity: 3, Window: 50 * time.Millisecond},
		Tier{Capacity: 4, Window: 200 * time.Millisecond},
	)

	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire() {
			t.Fatalf("acquire %d should pass both tiers", i)
		}
	}
	// First tier is full.
	if limiter.TryAcquire() {
		t.Fatal("first tier should refuse")
	}

	time.Sleep(60 * time.Millisecond)
	// First tier has freed, second tier has one slot left.
	if !limiter.TryAcquire() {
		t.Fatal("fourth acquire should pass")
	}
	if limiter.TryAcquire() {
		t.Error("second tier should now refuse")
	}
}

func TestMultiTier_StatsPerTier(t *testing.T) {
	limiter := NewMultiTier(
		Tier{Capacity: 5, Window: time.Second},
		Tier{Capacity: 50, Window: time.Minute},
	)
	limiter.TryAcquire()

	stats := limiter.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 tier stats, got %d", len(stats))
	}
	if stats[0].InWindow != 1 || stats[1].InWindow != 1 {
		t.Errorf("both tiers should show one departure: %+v", stats)
	}
}
