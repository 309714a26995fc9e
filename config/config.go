// Package config loads and validates the runtime configuration from YAML and
// supports hot reload through filesystem watching.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/99souls/pulse/adaptive"
	"github.com/99souls/pulse/eventbus"
	"github.com/99souls/pulse/fault"
	"github.com/99souls/pulse/monitor"
	"github.com/99souls/pulse/timeseries"
	"github.com/99souls/pulse/tracing"
	"github.com/99souls/pulse/types"
)

// LevelSettings is the YAML-facing per-level table: one named field per load
// level instead of integer map keys.
type LevelSettings struct {
	Idle     time.Duration `yaml:"idle"`
	Light    time.Duration `yaml:"light"`
	Moderate time.Duration `yaml:"moderate"`
	High     time.Duration `yaml:"high"`
	Critical time.Duration `yaml:"critical"`
}

// LevelRates mirrors LevelSettings for sampling rates.
type LevelRates struct {
	Idle     float64 `yaml:"idle"`
	Light    float64 `yaml:"light"`
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// AdaptiveSection is the YAML shape of the adaptive controller settings.
type AdaptiveSection struct {
	Strategy              string        `yaml:"strategy"`
	Intervals             LevelSettings `yaml:"intervals"`
	SamplingRates         LevelRates    `yaml:"sampling_rates"`
	HysteresisMargin      float64       `yaml:"hysteresis_margin"`
	MinTransitionInterval time.Duration `yaml:"min_transition_interval"`
}

// Config is the full runtime configuration.
type Config struct {
	Monitor    monitor.Config      `yaml:"monitor"`
	Adaptive   AdaptiveSection     `yaml:"adaptive"`
	Bus        eventbus.Config     `yaml:"bus"`
	Tracing    tracing.Config      `yaml:"tracing"`
	Fault      fault.ManagerConfig `yaml:"fault"`
	TimeSeries timeseries.Config   `yaml:"timeseries"`
	// CollectionEnabled gates the background collection loop.
	CollectionEnabled bool `yaml:"collection_enabled"`
}

// Default assembles the package defaults.
func Default() Config {
	def := adaptive.DefaultConfig()
	return Config{
		Monitor:           monitor.DefaultConfig(),
		Adaptive:          adaptiveToSection(def),
		Bus:               eventbus.DefaultConfig(),
		Tracing:           tracing.DefaultConfig(),
		Fault:             fault.DefaultManagerConfig(),
		TimeSeries:        timeseries.DefaultConfig(),
		CollectionEnabled: true,
	}
}

func adaptiveToSection(cfg adaptive.Config) AdaptiveSection {
	return AdaptiveSection{
		Strategy: string(cfg.Strategy),
		Intervals: LevelSettings{
			Idle:     cfg.Intervals[adaptive.LevelIdle],
			Light:    cfg.Intervals[adaptive.LevelLight],
			Moderate: cfg.Intervals[adaptive.LevelModerate],
			High:     cfg.Intervals[adaptive.LevelHigh],
			Critical: cfg.Intervals[adaptive.LevelCritical],
		},
		SamplingRates: LevelRates{
			Idle:     cfg.SamplingRates[adaptive.LevelIdle],
			Light:    cfg.SamplingRates[adaptive.LevelLight],
			Moderate: cfg.SamplingRates[adaptive.LevelModerate],
			High:     cfg.SamplingRates[adaptive.LevelHigh],
			Critical: cfg.SamplingRates[adaptive.LevelCritical],
		},
		HysteresisMargin:      cfg.HysteresisMargin,
		MinTransitionInterval: cfg.MinTransitionInterval,
	}
}

// AdaptiveConfig converts the YAML section back to the controller's form.
func (c Config) AdaptiveConfig() adaptive.Config {
	return adaptive.Config{
		Strategy: adaptive.Strategy(c.Adaptive.Strategy),
		Intervals: map[adaptive.LoadLevel]time.Duration{
			adaptive.LevelIdle:     c.Adaptive.Intervals.Idle,
			adaptive.LevelLight:    c.Adaptive.Intervals.Light,
			adaptive.LevelModerate: c.Adaptive.Intervals.Moderate,
			adaptive.LevelHigh:     c.Adaptive.Intervals.High,
			adaptive.LevelCritical: c.Adaptive.Intervals.Critical,
		},
		SamplingRates: map[adaptive.LoadLevel]float64{
			adaptive.LevelIdle:     c.Adaptive.SamplingRates.Idle,
			adaptive.LevelLight:    c.Adaptive.SamplingRates.Light,
			adaptive.LevelModerate: c.Adaptive.SamplingRates.Moderate,
			adaptive.LevelHigh:     c.Adaptive.SamplingRates.High,
			adaptive.LevelCritical: c.Adaptive.SamplingRates.Critical,
		},
		HysteresisMargin:      c.Adaptive.HysteresisMargin,
		MinTransitionInterval: c.Adaptive.MinTransitionInterval,
	}
}

// Validate checks every section; the first violation is returned.
func (c Config) Validate() error {
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := c.AdaptiveConfig().Validate(); err != nil {
		return err
	}
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if err := c.Fault.Validate(); err != nil {
		return err
	}
	return c.TimeSeries.Validate()
}

// Load reads and validates a YAML config file. Missing sections keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, types.WrapError(types.ErrResourceUnavailable, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, types.WrapError(types.ErrInvalidConfiguration, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return types.WrapError(types.ErrOperationFailed, err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.WrapError(types.ErrResourceUnavailable, err, "write config %s", path)
	}
	return nil
}
