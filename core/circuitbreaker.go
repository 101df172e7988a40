package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned by Allow while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrInvalidBreakerConfig is returned for a zero threshold or cooldown
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// Cooldown is how long the circuit stays open before one probe call is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig is used for outbound notification endpoints.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}
}

// CircuitBreaker short-circuits calls to an endpoint that keeps failing.
// While half-open a single probe is in flight; its outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker validates cfg and returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if cfg.FailureThreshold == 0 || cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("%w: threshold=%d cooldown=%s", ErrInvalidBreakerConfig, cfg.FailureThreshold, cfg.Cooldown)
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: BreakerClosed}, nil
}

// Allow returns nil when a call may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// Failure records a failed call and returns the resulting state.
func (cb *CircuitBreaker) Failure() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
	return cb.state
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
