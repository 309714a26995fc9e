// Package pulse is an in-process observability runtime: it samples system and
// operation telemetry, stores it for short-window analysis, adapts collection
// to load, publishes structured events to in-process subscribers, and
// protects downstream work with circuit-breaker and retry policies.
package pulse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/99souls/pulse/adaptive"
	"github.com/99souls/pulse/config"
	"github.com/99souls/pulse/eventbus"
	"github.com/99souls/pulse/fault"
	"github.com/99souls/pulse/monitor"
	"github.com/99souls/pulse/ringbuf"
	"github.com/99souls/pulse/telemetry/logging"
	"github.com/99souls/pulse/telemetry/metrics"
	"github.com/99souls/pulse/timeseries"
	"github.com/99souls/pulse/tracing"
	"github.com/99souls/pulse/types"
)

// Collector is the pluggable source of metric values fed into the runtime's
// collection loop.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]types.MetricValue, error)
	Healthy() bool
}

// LoadLevelChanged is published when the adaptive controller transitions.
type LoadLevelChanged struct {
	From          adaptive.LoadLevel
	To            adaptive.LoadLevel
	CPUPercent    float64
	MemoryPercent float64
}

// HealthChanged is published when the aggregated health status moves.
type HealthChanged struct {
	From    types.HealthStatus
	To      types.HealthStatus
	Message string
}

// SnapshotCollected is published after each admitted collection pass.
type SnapshotCollected struct {
	SourceID    string
	MetricCount int
	Level       adaptive.LoadLevel
}

// Options configures optional Runtime collaborators.
type Options struct {
	// Platform supplies system readings; nil uses the null provider.
	Platform types.MetricsProvider
	// Metrics backs the runtime's own operational instruments.
	Metrics metrics.Provider
	// Logger receives runtime log output; nil wraps slog.Default.
	Logger *slog.Logger
}

// Runtime composes the monitor, adaptive controller, event bus, tracer,
// time-series store and fault-tolerance managers behind one lifecycle.
type Runtime struct {
	cfg      config.Config
	log      logging.Logger
	platform types.MetricsProvider

	monitor    *monitor.PerformanceMonitor
	controller *adaptive.Controller
	bus        *eventbus.Bus
	tracer     *tracing.Tracer
	series     *timeseries.Store
	// spool decouples hot-path readings from the time-series store: writers
	// never block, and sustained overload shows up as overwrite counts.
	spool *ringbuf.Buffer[timeseries.Point]

	mu         sync.Mutex
	collectors []Collector
	managers   map[string]*fault.Manager
	lastHealth types.HealthStatus
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New assembles a runtime from a validated configuration.
func New(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Platform == nil {
		opts.Platform = types.NullMetricsProvider{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopProvider()
	}

	mon, err := monitor.New(cfg.Monitor, opts.Platform)
	if err != nil {
		return nil, err
	}
	controller, err := adaptive.NewController(cfg.AdaptiveConfig())
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	busCfg.AutoStart = false
	bus, err := eventbus.New(busCfg, opts.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	series, err := timeseries.NewStore(cfg.TimeSeries)
	if err != nil {
		return nil, err
	}
	spool, err := ringbuf.New[timeseries.Point](ringbuf.Config{Capacity: 1024, OverwriteOld: true, BatchSize: 256})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:        cfg,
		log:        logging.New(opts.Logger),
		platform:   opts.Platform,
		monitor:    mon,
		controller: controller,
		bus:        bus,
		tracer:     tracer,
		series:     series,
		spool:      spool,
		managers:   make(map[string]*fault.Manager),
		lastHealth: types.HealthUnknown,
	}, nil
}

// Monitor exposes the performance monitor.
func (r *Runtime) Monitor() *monitor.PerformanceMonitor { return r.monitor }

// Controller exposes the adaptive controller.
func (r *Runtime) Controller() *adaptive.Controller { return r.controller }

// Bus exposes the event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Tracer exposes the tracer.
func (r *Runtime) Tracer() *tracing.Tracer { return r.tracer }

// Series exposes the time-series store fed by the collection loop.
func (r *Runtime) Series() *timeseries.Store { return r.series }

// RegisterCollector adds a metric source consulted on every admitted pass.
func (r *Runtime) RegisterCollector(c Collector) error {
	if c == nil || c.Name() == "" {
		return types.NewError(types.ErrInvalidConfiguration, "collector must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.collectors {
		if existing.Name() == c.Name() {
			return types.NewError(types.ErrAlreadyExists, "collector %q already registered", c.Name())
		}
	}
	r.collectors = append(r.collectors, c)
	return nil
}

// FaultManager returns the named fault-tolerance manager, creating it from
// the configured policy on first use.
func (r *Runtime) FaultManager(name string) (*fault.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[name]; ok {
		return m, nil
	}
	m, err := fault.NewManager(name, r.cfg.Fault)
	if err != nil {
		return nil, err
	}
	r.managers[name] = m
	return m, nil
}

// Start brings up the event bus and, when collection is enabled, the
// background collection loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return types.NewError(types.ErrAlreadyExists, "runtime already started")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	if err := r.bus.Start(); err != nil {
		return err
	}
	if r.cfg.CollectionEnabled {
		r.wg.Add(1)
		go r.collectLoop(ctx)
	}
	r.log.InfoCtx(ctx, "runtime started",
		slog.String("source_id", r.monitor.SourceID()),
		slog.Bool("collection", r.cfg.CollectionEnabled))
	return nil
}

// Stop halts collection and drains the bus.
func (r *Runtime) Stop(grace time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return r.bus.Stop(grace)
}

// collectLoop runs one pass per adaptive interval, re-arming the timer after
// every pass so interval changes take effect on the next cycle.
func (r *Runtime) collectLoop(ctx context.Context) {
	defer r.wg.Done()
	timer := time.NewTimer(r.controller.Interval())
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runPass(ctx)
			timer.Reset(r.controller.Interval())
		}
	}
}

// CollectNow runs one collection pass synchronously. The pass feeds the
// adaptive controller, appends the CPU reading to the time series, evaluates
// health transitions, then assembles a snapshot and consults collectors.
// Unlike background passes, it is not subject to sampling-rate admission.
func (r *Runtime) CollectNow(ctx context.Context) (types.Snapshot, error) {
	return r.collect(ctx, true)
}

func (r *Runtime) runPass(ctx context.Context) {
	_, _ = r.collect(ctx, false)
}

func (r *Runtime) collect(ctx context.Context, force bool) (types.Snapshot, error) {
	if sys, err := r.platform.CurrentMetrics(); err == nil {
		before := r.controller.Level()
		after := r.controller.Observe(sys)
		if after != before {
			_ = r.bus.Publish(LoadLevelChanged{
				From:          before,
				To:            after,
				CPUPercent:    sys.CPUUsagePercent,
				MemoryPercent: sys.MemoryUsagePercent,
			}, eventbus.WithSource(r.monitor.SourceID()))
			r.log.InfoCtx(ctx, "load level changed",
				slog.String("from", before.String()), slog.String("to", after.String()))
		}
		ts := sys.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_ = r.spool.Write(timeseries.Point{Timestamp: ts, Value: sys.CPUUsagePercent, SampleCount: 1})
	}
	r.drainSpool()

	r.publishHealthTransition(ctx)

	if !force && !r.controller.ShouldSample() {
		return types.Snapshot{}, types.NewError(types.ErrCollectionFailed, "pass not admitted by sampling rate")
	}

	snap := r.monitor.Metrics()
	r.mu.Lock()
	collectors := append([]Collector(nil), r.collectors...)
	r.mu.Unlock()
	for _, c := range collectors {
		values, err := c.Collect(ctx)
		if err != nil {
			r.log.WarnCtx(ctx, "collector failed",
				slog.String("collector", c.Name()), slog.String("error", err.Error()))
			continue
		}
		snap.Metrics = append(snap.Metrics, values...)
	}

	_ = r.bus.Publish(SnapshotCollected{
		SourceID:    snap.SourceID,
		MetricCount: len(snap.Metrics),
		Level:       r.controller.Level(),
	}, eventbus.WithSource(r.monitor.SourceID()))
	return snap, nil
}

func (r *Runtime) publishHealthTransition(ctx context.Context) {
	current := r.Health().Status
	r.mu.Lock()
	previous := r.lastHealth
	r.lastHealth = current
	r.mu.Unlock()
	if previous != current && previous != types.HealthUnknown {
		_ = r.bus.Publish(HealthChanged{From: previous, To: current},
			eventbus.WithSource(r.monitor.SourceID()))
		r.log.WarnCtx(ctx, "health changed",
			slog.String("from", string(previous)), slog.String("to", string(current)))
	}
}

// drainSpool moves buffered readings into the time-series store.
func (r *Runtime) drainSpool() {
	for {
		batch := r.spool.ReadBatch(256)
		if len(batch) == 0 {
			return
		}
		r.series.AddPoints(batch)
	}
}

// SpoolStats exposes the hot-path buffer counters, including overwrites lost
// to overload.
func (r *Runtime) SpoolStats() ringbuf.Stats { return r.spool.Stats() }

// Health aggregates the monitor's threshold evaluation with collector and
// fault-manager state: any unhealthy collaborator degrades the rollup.
func (r *Runtime) Health() types.HealthCheckResult {
	result := r.monitor.CheckHealth()

	r.mu.Lock()
	collectors := append([]Collector(nil), r.collectors...)
	managers := make([]*fault.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, c := range collectors {
		if !c.Healthy() {
			result = escalate(result, "collector "+c.Name()+" unhealthy")
		}
	}
	for _, m := range managers {
		if !m.Healthy() {
			result = escalate(result, "fault manager "+m.Name()+" unhealthy")
		}
	}
	return result
}

func escalate(result types.HealthCheckResult, reason string) types.HealthCheckResult {
	if result.Metadata == nil {
		result.Metadata = make(map[string]string, 2)
	}
	result.Metadata[reason] = "triggered"
	switch result.Status {
	case types.HealthHealthy, types.HealthUnknown:
		result.Status = types.HealthDegraded
	case types.HealthDegraded:
		result.Status = types.HealthUnhealthy
	}
	result.Message = reason
	return result
}
