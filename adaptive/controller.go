// Package adaptive classifies system load and drives collection interval and
// sampling rate through a hysteresis-guarded state machine.
package adaptive

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/pulse/types"
)

// LoadLevel orders system load from idle to critical.
type LoadLevel int

const (
	LevelIdle LoadLevel = iota
	LevelLight
	LevelModerate
	LevelHigh
	LevelCritical
)

func (l LoadLevel) String() string {
	switch l {
	case LevelIdle:
		return "idle"
	case LevelLight:
		return "light"
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// Strategy selects how eagerly the controller reacts to load changes.
type Strategy string

const (
	// StrategyConservative requires two consecutive confirmations before
	// moving to a more demanding sampling regime.
	StrategyConservative Strategy = "conservative"
	// StrategyBalanced requires one confirmation.
	StrategyBalanced Strategy = "balanced"
	// StrategyAggressive transitions immediately.
	StrategyAggressive Strategy = "aggressive"
)

// Config holds the per-level tables plus the hysteresis parameters.
type Config struct {
	Strategy Strategy `yaml:"strategy"`
	// Intervals maps load level to collection interval. Higher load means a
	// shorter interval (collect more often under pressure).
	Intervals map[LoadLevel]time.Duration `yaml:"intervals"`
	// SamplingRates maps load level to admission probability in [0,1],
	// monotonically non-increasing as load grows.
	SamplingRates         map[LoadLevel]float64 `yaml:"sampling_rates"`
	HysteresisMargin      float64               `yaml:"hysteresis_margin"`
	MinTransitionInterval time.Duration         `yaml:"min_transition_interval"`
}

// DefaultConfig is the balanced profile.
func DefaultConfig() Config {
	return Config{
		Strategy: StrategyBalanced,
		Intervals: map[LoadLevel]time.Duration{
			LevelIdle:     30 * time.Second,
			LevelLight:    15 * time.Second,
			LevelModerate: 5 * time.Second,
			LevelHigh:     2 * time.Second,
			LevelCritical: time.Second,
		},
		SamplingRates: map[LoadLevel]float64{
			LevelIdle:     1.0,
			LevelLight:    1.0,
			LevelModerate: 0.5,
			LevelHigh:     0.25,
			LevelCritical: 0.1,
		},
		HysteresisMargin:      5.0,
		MinTransitionInterval: 0,
	}
}

var allLevels = []LoadLevel{LevelIdle, LevelLight, LevelModerate, LevelHigh, LevelCritical}

// Validate checks table completeness, rate bounds and monotonicity, and
// non-negative hysteresis parameters.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyConservative, StrategyBalanced, StrategyAggressive:
	default:
		return types.NewError(types.ErrInvalidConfiguration, "unknown adaptive strategy %q", c.Strategy)
	}
	if c.HysteresisMargin < 0 {
		return types.NewError(types.ErrInvalidConfiguration, "hysteresis margin must be non-negative")
	}
	if c.MinTransitionInterval < 0 {
		return types.NewError(types.ErrInvalidConfiguration, "min transition interval must be non-negative")
	}
	var prevInterval time.Duration
	var prevRate float64
	for i, level := range allLevels {
		interval, ok := c.Intervals[level]
		if !ok || interval <= 0 {
			return types.NewError(types.ErrInvalidConfiguration, "missing or non-positive interval for level %s", level)
		}
		rate, ok := c.SamplingRates[level]
		if !ok || rate < 0 || rate > 1 {
			return types.NewError(types.ErrInvalidConfiguration, "sampling rate for level %s must be in [0,1]", level)
		}
		if i > 0 {
			if interval > prevInterval {
				return types.NewError(types.ErrInvalidConfiguration, "interval for level %s must not exceed the previous level's", level)
			}
			if rate > prevRate {
				return types.NewError(types.ErrInvalidConfiguration, "sampling rate for level %s must not exceed the previous level's", level)
			}
		}
		prevInterval = interval
		prevRate = rate
	}
	return nil
}

// ClassifyLoad maps one reading to a level: per-resource thresholds 90/75/
// 50/25, the stricter of CPU and memory winning.
func ClassifyLoad(m types.SystemMetrics) LoadLevel {
	cpu := classifyPercent(m.CPUUsagePercent)
	mem := classifyPercent(m.MemoryUsagePercent)
	if mem > cpu {
		return mem
	}
	return cpu
}

func classifyPercent(pct float64) LoadLevel {
	switch {
	case pct >= 90:
		return LevelCritical
	case pct >= 75:
		return LevelHigh
	case pct >= 50:
		return LevelModerate
	case pct >= 25:
		return LevelLight
	}
	return LevelIdle
}

// Stats reports controller behavior over time.
type Stats struct {
	CurrentLevel    LoadLevel
	Transitions     uint64
	TimeInState     map[LoadLevel]time.Duration
	LastDecision    time.Time
	LastTransition  time.Time
	PendingLevel    LoadLevel
	PendingConfirms int
}

// Controller is the hysteresis-guarded load state machine.
type Controller struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	level          LoadLevel
	lastTransition time.Time
	lastDecision   time.Time
	enteredAt      time.Time
	// Reading values (cpu, mem) that triggered the last transition; the
	// hysteresis margin is measured against these.
	triggerCPU float64
	triggerMem float64

	pendingLevel    LoadLevel
	pendingConfirms int

	transitions uint64
	timeInState map[LoadLevel]time.Duration

	admitCounter atomic.Uint64
}

// NewController starts at idle.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Controller{
		cfg:          cfg,
		now:          time.Now,
		level:        LevelIdle,
		enteredAt:    now,
		pendingLevel: LevelIdle,
		timeInState:  make(map[LoadLevel]time.Duration),
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	if now != nil {
		c.now = now
	}
	return c
}

// Observe feeds one reading through the state machine and returns the level
// in effect afterwards.
func (c *Controller) Observe(m types.SystemMetrics) LoadLevel {
	target := ClassifyLoad(m)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.lastDecision = now

	if target == c.level {
		c.pendingLevel = c.level
		c.pendingConfirms = 0
		return c.level
	}

	// Hysteresis: the triggering resource must have moved far enough from the
	// previous trigger point.
	if !c.deviatesEnough(m) {
		return c.level
	}
	if c.cfg.MinTransitionInterval > 0 && now.Sub(c.lastTransition) < c.cfg.MinTransitionInterval {
		return c.level
	}

	required := c.requiredConfirmations(target)
	if target != c.pendingLevel {
		c.pendingLevel = target
		c.pendingConfirms = 1
	} else {
		c.pendingConfirms++
	}
	if c.pendingConfirms < required {
		return c.level
	}

	c.timeInState[c.level] += now.Sub(c.enteredAt)
	c.level = target
	c.enteredAt = now
	c.lastTransition = now
	c.triggerCPU = m.CPUUsagePercent
	c.triggerMem = m.MemoryUsagePercent
	c.pendingLevel = target
	c.pendingConfirms = 0
	c.transitions++
	return c.level
}

func (c *Controller) deviatesEnough(m types.SystemMetrics) bool {
	if c.cfg.HysteresisMargin <= 0 {
		return true
	}
	if abs(m.CPUUsagePercent-c.triggerCPU) >= c.cfg.HysteresisMargin {
		return true
	}
	return abs(m.MemoryUsagePercent-c.triggerMem) >= c.cfg.HysteresisMargin
}

// requiredConfirmations applies the strategy. Upgrades (more demanding
// sampling, i.e. rising load) are the guarded direction; downgrades follow
// the balanced single-confirmation rule.
func (c *Controller) requiredConfirmations(target LoadLevel) int {
	upgrade := target > c.level
	switch c.cfg.Strategy {
	case StrategyAggressive:
		return 1
	case StrategyConservative:
		if upgrade {
			return 2
		}
		return 1
	default:
		return 1
	}
}

// Level returns the level currently in effect.
func (c *Controller) Level() LoadLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Interval returns the collection interval for the current level.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Intervals[c.level]
}

// SamplingRate returns the admission probability for the current level.
func (c *Controller) SamplingRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SamplingRates[c.level]
}

// ShouldSample decides admission for one candidate collection using a
// deterministic counter so a rate of 0.25 admits exactly one in four.
func (c *Controller) ShouldSample() bool {
	rate := c.SamplingRate()
	if rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}
	n := c.admitCounter.Add(1)
	period := uint64(1.0/rate + 0.5)
	if period == 0 {
		period = 1
	}
	return n%period == 1 || period == 1
}

// Stats snapshots controller counters. Time in the current state includes the
// open interval up to now.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	inState := make(map[LoadLevel]time.Duration, len(c.timeInState))
	for k, v := range c.timeInState {
		inState[k] = v
	}
	inState[c.level] += c.now().Sub(c.enteredAt)
	return Stats{
		CurrentLevel:    c.level,
		Transitions:     c.transitions,
		TimeInState:     inState,
		LastDecision:    c.lastDecision,
		LastTransition:  c.lastTransition,
		PendingLevel:    c.pendingLevel,
		PendingConfirms: c.pendingConfirms,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
