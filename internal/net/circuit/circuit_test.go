package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func TestBreaker_ClosedState(t *testing.T) {
	breaker := NewBreaker(testConfig())

	if breaker.State() != StateClosed {
		t.Errorf("Breaker should start in closed state, got %s", breaker.State())
	}

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("Successful call should not error: %v", err)
	}

	if breaker.State() != StateClosed {
		t.Errorf("Breaker should remain closed after success, got %s", breaker.State())
	}
}

func TestBreaker_OpenOnFailures(t *testing.T) {
	breaker := NewBreaker(testConfig())

	for i := 0; i < 3; i++ {
		err := breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("test failure")
		})
		if err == nil {
			t.Error("Failed call should return error")
		}
	}

	if breaker.State() != StateOpen {
		t.Errorf("Breaker should be open after failures, got %s", breaker.State())
	}

	// Further requests are blocked without running fn.
	ran := false
	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Open breaker should return ErrCircuitOpen, got %v", err)
	}
	if ran {
		t.Error("Open breaker must not execute fn")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	breaker := NewBreaker(testConfig())

	for i := 0; i < 2; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	breaker.Call(context.Background(), func(ctx context.Context) error { return nil })

	if got := breaker.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("success in closed state should reset failures, got %d", got)
	}
	if breaker.State() != StateClosed {
		t.Errorf("breaker should still be closed, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	breaker := NewBreaker(testConfig())

	for i := 0; i < 3; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	if breaker.State() != StateOpen {
		t.Fatal("Breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// First call after the recovery timeout is admitted (half-open).
	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("First call after recovery timeout should succeed: %v", err)
	}
	if breaker.State() != StateHalfOpen {
		t.Errorf("one success should not close the breaker yet, got %s", breaker.State())
	}

	// Second consecutive success closes it.
	breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	if breaker.State() != StateClosed {
		t.Errorf("two successes should close the breaker, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	breaker := NewBreaker(testConfig())

	for i := 0; i < 3; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	time.Sleep(60 * time.Millisecond)

	breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})
	if breaker.State() != StateOpen {
		t.Errorf("half-open failure should reopen the breaker, got %s", breaker.State())
	}

	err := breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("reopened breaker should block, got %v", err)
	}
}

func TestBreaker_IsFailureClassifier(t *testing.T) {
	var softErr = errors.New("rate limited")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, softErr) }
	breaker := NewBreaker(cfg)

	// Soft errors do not count toward the threshold.
	for i := 0; i < 10; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error {
			return softErr
		})
	}
	if breaker.State() != StateClosed {
		t.Errorf("uncounted errors should not open the breaker, got %s", breaker.State())
	}
	if got := breaker.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("uncounted errors should not increment failures, got %d", got)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	breaker := NewBreaker(cfg)

	for i := 0; i < 3; i++ {
		breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	time.Sleep(60 * time.Millisecond)
	breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	breaker.Call(context.Background(), func(ctx context.Context) error { return nil })

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: want %s, got %s", i, want[i], transitions[i])
		}
	}
}
