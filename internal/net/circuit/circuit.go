package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and the upstream is
// being protected from traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Circuit is closed, requests allowed
	StateOpen                  // Circuit is open, requests blocked
	StateHalfOpen              // Circuit is half-open, probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive counted failures to open the circuit
	SuccessThreshold int           // Consecutive successes to close the circuit from half-open
	RecoveryTimeout  time.Duration // Time to wait in open before transitioning to half-open

	// IsFailure decides whether an error counts against the breaker.
	// Nil means every non-nil error counts. The upstream client passes a
	// classifier so rate-limit and request-shape errors do not trip the
	// circuit.
	IsFailure func(error) bool

	// OnStateChange is invoked after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// Breaker is a three-state circuit breaker. State transitions are
// linearized under a single mutex; the lock is never held across fn.
type Breaker struct {
	mu        sync.Mutex
	config    Config
	state     State
	failures  int
	successes int
	openedAt  time.Time

	totalRequests int64
	totalOpens    int64
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(config Config) *Breaker {
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{config: config, state: StateClosed}
}

// Call executes fn if the breaker allows it and reports the outcome back.
// When the breaker is open it fails immediately with ErrCircuitOpen.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.onSuccess()
	case b.config.IsFailure(err):
		b.onFailure()
	}
	return err
}

// allow checks admission and performs the open to half-open transition
// once the recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()

	b.totalRequests++
	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			notify := b.setState(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return true
		}
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()

	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			notify = b.setState(StateClosed)
			b.failures = 0
		}
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) onFailure() {
	b.mu.Lock()

	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			notify = b.setState(StateOpen)
		}
	case StateHalfOpen:
		notify = b.setState(StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// setState changes state under the caller-held lock and returns the
// notification callback to run after unlocking.
func (b *Breaker) setState(state State) func() {
	from := b.state
	if from == state {
		return func() {}
	}
	b.state = state
	switch state {
	case StateOpen:
		b.openedAt = time.Now()
		b.totalOpens++
	case StateHalfOpen:
		b.successes = 0
	}
	if b.config.OnStateChange == nil {
		return func() {}
	}
	cb := b.config.OnStateChange
	return func() { cb(from, state) }
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalRequests:        b.totalRequests,
		TotalOpens:           b.totalOpens,
		OpenedAt:             b.openedAt,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	TotalOpens           int64     `json:"total_opens"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}
