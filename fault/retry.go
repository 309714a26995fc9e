package fault

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/99souls/pulse/types"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyFixed        Strategy = "fixed"
	StrategyExponential  Strategy = "exponential"
	StrategyLinear       Strategy = "linear"
	StrategyFibonacci    Strategy = "fibonacci"
	StrategyRandomJitter Strategy = "random_jitter"
	StrategyCustom       Strategy = "custom"
)

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	Strategy          Strategy      `yaml:"strategy"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor"`
	// CustomDelay computes the delay for an attempt (1-based); required for
	// the custom strategy.
	CustomDelay func(attempt int) time.Duration `yaml:"-"`
	// Retryable decides whether an error warrants another attempt. The
	// default retries the transient error codes.
	Retryable func(err error) bool `yaml:"-"`
}

// DefaultRetryConfig is three exponential attempts from 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:          StrategyExponential,
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

// Validate rejects out-of-range settings.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max attempts must be at least 1")
	}
	if c.InitialDelay <= 0 {
		return types.NewError(types.ErrInvalidConfiguration, "initial delay must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return types.NewError(types.ErrInvalidConfiguration, "max delay must be at least the initial delay")
	}
	if c.BackoffMultiplier <= 1.0 {
		return types.NewError(types.ErrInvalidConfiguration, "backoff multiplier must be greater than 1")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return types.NewError(types.ErrInvalidConfiguration, "jitter factor must be in [0,1]")
	}
	if c.Strategy == StrategyCustom && c.CustomDelay == nil {
		return types.NewError(types.ErrInvalidConfiguration, "custom strategy requires a delay function")
	}
	switch c.Strategy {
	case StrategyFixed, StrategyExponential, StrategyLinear, StrategyFibonacci, StrategyRandomJitter, StrategyCustom:
	default:
		return types.NewError(types.ErrInvalidConfiguration, "unknown retry strategy %q", c.Strategy)
	}
	return nil
}

// defaultRetryable retries the transient error codes.
func defaultRetryable(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrOperationTimeout,
		types.ErrResourceUnavailable,
		types.ErrNetworkError,
		types.ErrServiceUnavailable,
		types.ErrOperationFailed:
		return true
	}
	return false
}

// RetryMetrics reports executor activity.
type RetryMetrics struct {
	TotalExecutions      uint64
	SuccessfulExecutions uint64
	FailedExecutions     uint64
	TotalRetries         uint64
	TotalDelay           time.Duration
	LastExecutionTime    time.Time
}

// SuccessRate returns successful/total executions.
func (m RetryMetrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
}

// delayCalculator owns the memoized fibonacci sequence and the jitter source.
type delayCalculator struct {
	cfg RetryConfig

	mu  sync.Mutex
	fib []int64
	rng *rand.Rand
}

func newDelayCalculator(cfg RetryConfig) *delayCalculator {
	return &delayCalculator{
		cfg: cfg,
		fib: []int64{1, 1},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay computes the backoff for a 1-based attempt, applies symmetric jitter
// and clamps to [0, MaxDelay].
func (d *delayCalculator) delay(attempt int) time.Duration {
	var base time.Duration
	switch d.cfg.Strategy {
	case StrategyFixed:
		base = d.cfg.InitialDelay
	case StrategyExponential:
		base = time.Duration(float64(d.cfg.InitialDelay) * math.Pow(d.cfg.BackoffMultiplier, float64(attempt-1)))
	case StrategyLinear:
		base = d.cfg.InitialDelay * time.Duration(attempt)
	case StrategyFibonacci:
		base = time.Duration(int64(d.cfg.InitialDelay) * d.fibonacci(attempt))
	case StrategyRandomJitter:
		base = d.uniform(d.cfg.InitialDelay, d.cfg.MaxDelay)
	case StrategyCustom:
		base = d.cfg.CustomDelay(attempt)
	}

	if d.cfg.JitterFactor > 0 {
		base = d.jitter(base)
	}
	if base > d.cfg.MaxDelay {
		base = d.cfg.MaxDelay
	}
	if base < 0 {
		base = 0
	}
	return base
}

func (d *delayCalculator) fibonacci(attempt int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.fib) < attempt {
		d.fib = append(d.fib, d.fib[len(d.fib)-1]+d.fib[len(d.fib)-2])
	}
	return d.fib[attempt-1]
}

func (d *delayCalculator) uniform(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return low + time.Duration(d.rng.Int63n(int64(high-low)))
}

// jitter applies a symmetric ±(base·factor) offset.
func (d *delayCalculator) jitter(base time.Duration) time.Duration {
	span := int64(float64(base) * d.cfg.JitterFactor)
	if span <= 0 {
		return base
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return base + time.Duration(d.rng.Int63n(2*span+1)-span)
}

// Retrier re-invokes failing operations according to the configured backoff.
type Retrier struct {
	name  string
	cfg   RetryConfig
	calc  *delayCalculator
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	metrics RetryMetrics
}

// NewRetrier builds a named retry executor.
func NewRetrier(name string, cfg RetryConfig) (*Retrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Retryable == nil {
		cfg.Retryable = defaultRetryable
	}
	return &Retrier{
		name:  name,
		cfg:   cfg,
		calc:  newDelayCalculator(cfg),
		sleep: sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Name returns the executor's name.
func (r *Retrier) Name() string { return r.name }

// Retry runs op up to MaxAttempts times, sleeping the computed backoff
// between attempts. Non-retryable errors and context cancellation stop the
// loop immediately.
func Retry[T any](ctx context.Context, r *Retrier, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	r.mu.Lock()
	r.metrics.TotalExecutions++
	r.metrics.LastExecutionTime = time.Now()
	r.mu.Unlock()

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			r.mu.Lock()
			r.metrics.SuccessfulExecutions++
			r.mu.Unlock()
			return result, nil
		}
		lastErr = err

		if !r.cfg.Retryable(err) || attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.calc.delay(attempt)
		r.mu.Lock()
		r.metrics.TotalRetries++
		r.metrics.TotalDelay += delay
		r.mu.Unlock()

		if err := r.sleep(ctx, delay); err != nil {
			r.mu.Lock()
			r.metrics.FailedExecutions++
			r.mu.Unlock()
			return zero, types.WrapError(types.ErrOperationTimeout, err, "retry of %q canceled", r.name)
		}
	}

	r.mu.Lock()
	r.metrics.FailedExecutions++
	r.mu.Unlock()
	return zero, lastErr
}

// Metrics snapshots the executor counters.
func (r *Retrier) Metrics() RetryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}
