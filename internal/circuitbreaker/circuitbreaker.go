package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops outbound observation calls after repeated failures and
// lets probe calls through once the open timeout has elapsed. It never retries.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	onStateChange    func(from, to State)
	now              func() time.Time
}

// Config holds circuit breaker parameters. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(from, to State)
}

// New creates a closed CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		onStateChange:    cfg.OnStateChange,
		now:              time.Now,
	}
}

// Call runs fn when the circuit allows it and records the outcome.
// Context cancellation of the caller is not counted as an upstream failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	var transitions [][2]State

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		transitions = append(transitions, cb.setStateLocked(StateHalfOpen))
	}
	cb.mu.Unlock()
	cb.emit(transitions)
	transitions = transitions[:0]

	err := fn()

	cb.mu.Lock()
	switch {
	case err != nil && ctx.Err() != nil:
		// caller gave up; says nothing about upstream health
	case err != nil:
		cb.failureCount++
		cb.successCount = 0
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.failureCount = 0
			transitions = append(transitions, cb.setStateLocked(StateOpen))
		}
	default:
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.successThreshold {
				cb.successCount = 0
				transitions = append(transitions, cb.setStateLocked(StateClosed))
			}
		}
	}
	cb.mu.Unlock()
	cb.emit(transitions)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(to State) [2]State {
	from := cb.state
	cb.state = to
	return [2]State{from, to}
}

func (cb *CircuitBreaker) emit(transitions [][2]State) {
	if cb.onStateChange == nil {
		return
	}
	for _, t := range transitions {
		if t[0] != t[1] {
			cb.onStateChange(t[0], t[1])
		}
	}
}
