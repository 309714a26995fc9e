package fault

import (
	"context"
	"sync"
	"time"

	"github.com/99souls/pulse/types"
)

// ManagerConfig composes the breaker and retry policies.
type ManagerConfig struct {
	Breaker       BreakerConfig `yaml:"breaker"`
	Retry         RetryConfig   `yaml:"retry"`
	EnableBreaker bool          `yaml:"enable_breaker"`
	EnableRetry   bool          `yaml:"enable_retry"`
	// BreakerFirst nests the retry loop inside the breaker call; otherwise
	// every retry attempt passes through the breaker individually.
	BreakerFirst bool `yaml:"breaker_first"`
}

// DefaultManagerConfig enables both mechanisms, breaker outermost.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Breaker:       DefaultBreakerConfig(),
		Retry:         DefaultRetryConfig(),
		EnableBreaker: true,
		EnableRetry:   true,
		BreakerFirst:  true,
	}
}

// Validate requires at least one enabled mechanism and valid sub-configs.
func (c ManagerConfig) Validate() error {
	if !c.EnableBreaker && !c.EnableRetry {
		return types.NewError(types.ErrInvalidConfiguration, "at least one fault tolerance mechanism must be enabled")
	}
	if c.EnableBreaker {
		if err := c.Breaker.Validate(); err != nil {
			return err
		}
	}
	if c.EnableRetry {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ManagerMetrics aggregates both mechanisms plus overall outcomes.
type ManagerMetrics struct {
	Breaker              BreakerMetrics
	Retry                RetryMetrics
	TotalOperations      uint64
	SuccessfulOperations uint64
	FailedOperations     uint64
	StartTime            time.Time
}

// OverallSuccessRate returns successful/total operations.
func (m ManagerMetrics) OverallSuccessRate() float64 {
	if m.TotalOperations == 0 {
		return 0
	}
	return float64(m.SuccessfulOperations) / float64(m.TotalOperations)
}

// Manager wraps operations with the configured combination of circuit
// breaking and retry.
type Manager struct {
	name    string
	cfg     ManagerConfig
	breaker *Breaker
	retrier *Retrier

	mu         sync.Mutex
	total      uint64
	successful uint64
	failed     uint64
	startTime  time.Time
}

// NewManager builds a named manager from the composed config.
func NewManager(name string, cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{name: name, cfg: cfg, startTime: time.Now()}
	if cfg.EnableBreaker {
		breaker, err := NewBreaker(name+"_breaker", cfg.Breaker)
		if err != nil {
			return nil, err
		}
		m.breaker = breaker
	}
	if cfg.EnableRetry {
		retrier, err := NewRetrier(name+"_retry", cfg.Retry)
		if err != nil {
			return nil, err
		}
		m.retrier = retrier
	}
	return m, nil
}

// Name returns the manager's name.
func (m *Manager) Name() string { return m.name }

// Breaker exposes the underlying breaker, nil when disabled.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// Retrier exposes the underlying retry executor, nil when disabled.
func (m *Manager) Retrier() *Retrier { return m.retrier }

// Run executes op under the configured protection. With both mechanisms and
// BreakerFirst, the whole retry loop counts as one breaker call; otherwise
// each attempt passes through the breaker.
func Run[T any](ctx context.Context, m *Manager, op func() (T, error)) (T, error) {
	result, err := m.execute(ctx, wrap(op))
	m.record(err)
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// RunWithTimeout bounds the whole protected execution with a deadline.
func RunWithTimeout[T any](ctx context.Context, m *Manager, timeout time.Duration, op func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := Run(ctx, m, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, types.NewError(types.ErrOperationTimeout, "operation %q exceeded %s", m.name, timeout)
	}
}

func wrap[T any](op func() (T, error)) func() (any, error) {
	return func() (any, error) { return op() }
}

func (m *Manager) execute(ctx context.Context, op func() (any, error)) (any, error) {
	switch {
	case m.breaker != nil && m.retrier != nil && m.cfg.BreakerFirst:
		return Execute(m.breaker, func() (any, error) {
			return Retry(ctx, m.retrier, op)
		}, nil)
	case m.breaker != nil && m.retrier != nil:
		return Retry(ctx, m.retrier, func() (any, error) {
			return Execute(m.breaker, op, nil)
		})
	case m.breaker != nil:
		return Execute(m.breaker, op, nil)
	default:
		return Retry(ctx, m.retrier, op)
	}
}

func (m *Manager) record(err error) {
	m.mu.Lock()
	m.total++
	if err == nil {
		m.successful++
	} else {
		m.failed++
	}
	m.mu.Unlock()
}

// Healthy reports manager health: the breaker must not be open, and once ten
// operations have run the overall success rate must hold at 50%.
func (m *Manager) Healthy() bool {
	if m.breaker != nil && m.breaker.State() == StateOpen {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total >= 10 {
		return float64(m.successful)/float64(m.total) >= 0.5
	}
	return true
}

// Metrics snapshots everything.
func (m *Manager) Metrics() ManagerMetrics {
	out := ManagerMetrics{StartTime: m.startTime}
	if m.breaker != nil {
		out.Breaker = m.breaker.Metrics()
	}
	if m.retrier != nil {
		out.Retry = m.retrier.Metrics()
	}
	m.mu.Lock()
	out.TotalOperations = m.total
	out.SuccessfulOperations = m.successful
	out.FailedOperations = m.failed
	m.mu.Unlock()
	return out
}
