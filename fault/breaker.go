// Package fault protects downstream work with circuit breaking and retry,
// composable through the Manager.
package fault

import (
	"sync"
	"time"

	"github.com/99souls/pulse/types"
)

// State enumerates circuit-breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// Timeout above which a successful call is recorded as a failure.
	Timeout time.Duration `yaml:"timeout"`
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int `yaml:"success_threshold"`
	// ResetTimeout after the last failure before probing half-open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// FailureRateThreshold trips the breaker once MinimumCalls are observed.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	MinimumCalls         int     `yaml:"minimum_calls"`
}

// DefaultBreakerConfig mirrors conventional service-protection settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Timeout:              time.Minute,
		FailureThreshold:     5,
		SuccessThreshold:     3,
		ResetTimeout:         30 * time.Second,
		FailureRateThreshold: 0.5,
		MinimumCalls:         10,
	}
}

// Validate rejects out-of-range thresholds.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "failure threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "success threshold must be at least 1")
	}
	if c.ResetTimeout <= 0 {
		return types.NewError(types.ErrInvalidConfiguration, "reset timeout must be positive")
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return types.NewError(types.ErrInvalidConfiguration, "failure rate threshold must be in [0,1]")
	}
	if c.Timeout <= 0 {
		return types.NewError(types.ErrInvalidConfiguration, "timeout must be positive")
	}
	if c.MinimumCalls < 0 {
		return types.NewError(types.ErrInvalidConfiguration, "minimum calls must be non-negative")
	}
	return nil
}

// BreakerMetrics is a point-in-time copy of breaker counters.
type BreakerMetrics struct {
	TotalCalls           uint64
	SuccessfulCalls      uint64
	FailedCalls          uint64
	RejectedCalls        uint64
	StateTransitions     uint64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
}

// FailureRate returns failed/total over the current window.
func (m BreakerMetrics) FailureRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.FailedCalls) / float64(m.TotalCalls)
}

// SuccessRate returns successful/total over the current window.
func (m BreakerMetrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}

// Breaker is the circuit-breaker state machine. A single mutex guards state
// and counters; it is held only for counter updates and transitions, never
// across the protected operation.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time

	totalCalls       uint64
	successfulCalls  uint64
	failedCalls      uint64
	rejectedCalls    uint64
	stateTransitions uint64
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
}

// NewBreaker builds a named breaker in the closed state.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}, nil
}

// WithClock overrides the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	return b.state
}

// CanExecute reports whether a call would be admitted right now.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *Breaker) canExecuteLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		b.maybeProbeLocked()
		return b.state == StateHalfOpen
	case StateHalfOpen:
		return true
	}
	return false
}

// maybeProbeLocked moves open→half-open once the reset timeout has elapsed.
func (b *Breaker) maybeProbeLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state != next {
		b.state = next
		b.stateTransitions++
	}
}

// Execute runs op under breaker protection. A rejected call increments the
// rejected counter and either invokes the fallback or fails with
// circuit_breaker_open. A call exceeding the configured timeout is recorded
// as a failure and returns operation_timeout. A failing call invokes the
// fallback when one is provided.
func Execute[T any](b *Breaker, op func() (T, error), fallback func() (T, error)) (T, error) {
	var zero T
	if !b.CanExecute() {
		b.mu.Lock()
		b.rejectedCalls++
		b.mu.Unlock()
		if fallback != nil {
			return fallback()
		}
		return zero, types.NewError(types.ErrCircuitBreakerOpen, "circuit breaker %q is open", b.name)
	}

	start := b.now()
	result, err := op()
	elapsed := b.now().Sub(start)

	if elapsed > b.cfg.Timeout {
		b.recordFailure()
		return zero, types.NewError(types.ErrOperationTimeout, "operation exceeded breaker timeout after %s", elapsed)
	}
	if err != nil {
		b.recordFailure()
		if fallback != nil {
			return fallback()
		}
		return zero, err
	}
	b.recordSuccess()
	return result, nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.successfulCalls++
	b.lastSuccessTime = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
		// Returning to normal resets the sampling window.
		b.totalCalls = 0
		b.successfulCalls = 0
		b.failedCalls = 0
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.failedCalls++
	b.lastFailure = b.now()
	b.lastFailureTime = b.lastFailure
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			return
		}
		if b.totalCalls >= uint64(b.cfg.MinimumCalls) {
			if float64(b.failedCalls)/float64(b.totalCalls) >= b.cfg.FailureRateThreshold {
				b.transitionLocked(StateOpen)
			}
		}
	}
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.totalCalls = 0
	b.successfulCalls = 0
	b.failedCalls = 0
}

// ForceState pins the breaker to a state. Intended for tests.
func (b *Breaker) ForceState(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(state)
}

// Metrics snapshots the counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		TotalCalls:           b.totalCalls,
		SuccessfulCalls:      b.successfulCalls,
		FailedCalls:          b.failedCalls,
		RejectedCalls:        b.rejectedCalls,
		StateTransitions:     b.stateTransitions,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureTime:      b.lastFailureTime,
		LastSuccessTime:      b.lastSuccessTime,
	}
}
