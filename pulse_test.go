package pulse

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/pulse/adaptive"
	"github.com/99souls/pulse/config"
	"github.com/99souls/pulse/eventbus"
	"github.com/99souls/pulse/types"
)

type swappableProvider struct {
	cpu atomic.Uint64 // percent
	mem atomic.Uint64
}

func (p *swappableProvider) CurrentMetrics() (types.SystemMetrics, error) {
	return types.SystemMetrics{
		CPUUsagePercent:    float64(p.cpu.Load()),
		MemoryUsagePercent: float64(p.mem.Load()),
		Timestamp:          time.Now(),
	}, nil
}

type stubCollector struct {
	name    string
	healthy bool
	calls   atomic.Uint64
	fail    bool
}

func (c *stubCollector) Name() string  { return c.name }
func (c *stubCollector) Healthy() bool { return c.healthy }
func (c *stubCollector) Collect(context.Context) ([]types.MetricValue, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, types.NewError(types.ErrCollectionFailed, "probe offline")
	}
	return []types.MetricValue{{Name: "stub.value", Value: 1, Timestamp: time.Now()}}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CollectionEnabled = false
	cfg.Adaptive.HysteresisMargin = 0
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config, provider types.MetricsProvider) *Runtime {
	t.Helper()
	rt, err := New(cfg, Options{Platform: provider})
	require.NoError(t, err)
	return rt
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.WorkerCount = 0
	_, err := New(cfg, Options{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidConfiguration))
}

func TestRuntimeLifecycle(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil)

	require.NoError(t, rt.Start(context.Background()))
	assert.True(t, rt.Bus().Running())

	err := rt.Start(context.Background())
	require.Error(t, err, "double start fails")

	require.NoError(t, rt.Stop(time.Second))
	assert.False(t, rt.Bus().Running())
	require.NoError(t, rt.Stop(time.Second), "stop is idempotent")
}

func TestCollectNowAssemblesSnapshot(t *testing.T) {
	provider := &swappableProvider{}
	provider.cpu.Store(30)
	provider.mem.Store(40)
	rt := newRuntime(t, testConfig(), provider)
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	collector := &stubCollector{name: "stub", healthy: true}
	require.NoError(t, rt.RegisterCollector(collector))

	snap, err := rt.CollectNow(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SourceID)
	assert.Equal(t, uint64(1), collector.calls.Load())

	found := false
	for _, m := range snap.Metrics {
		if m.Name == "stub.value" {
			found = true
		}
	}
	assert.True(t, found, "collector metrics merged into snapshot")
	assert.Greater(t, rt.Series().Len(), 0, "cpu fed to the time series")
	assert.GreaterOrEqual(t, rt.SpoolStats().TotalWrites, uint64(1))
}

func TestCollectorFailureIsTolerated(t *testing.T) {
	rt := newRuntime(t, testConfig(), &swappableProvider{})
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	require.NoError(t, rt.RegisterCollector(&stubCollector{name: "broken", healthy: true, fail: true}))
	snap, err := rt.CollectNow(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Metrics)
}

func TestRegisterCollectorValidation(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil)
	require.Error(t, rt.RegisterCollector(nil))

	c := &stubCollector{name: "dup", healthy: true}
	require.NoError(t, rt.RegisterCollector(c))
	err := rt.RegisterCollector(&stubCollector{name: "dup", healthy: true})
	assert.True(t, types.IsCode(err, types.ErrAlreadyExists))
}

func TestLoadLevelChangeEventPublished(t *testing.T) {
	provider := &swappableProvider{}
	provider.cpu.Store(10)
	rt := newRuntime(t, testConfig(), provider)
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	var event atomic.Value
	eventbus.Subscribe(rt.Bus(), func(ev LoadLevelChanged) error {
		event.Store(ev)
		return nil
	}, eventbus.PriorityHigh)

	_, _ = rt.CollectNow(context.Background())

	provider.cpu.Store(95)
	_, _ = rt.CollectNow(context.Background())

	waitFor(t, func() bool { return event.Load() != nil })
	change := event.Load().(LoadLevelChanged)
	assert.Equal(t, adaptive.LevelCritical, change.To)
	assert.Equal(t, 95.0, change.CPUPercent)
}

func TestHealthChangeEventPublished(t *testing.T) {
	provider := &swappableProvider{}
	provider.cpu.Store(10)
	provider.mem.Store(10)
	rt := newRuntime(t, testConfig(), provider)
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	var event atomic.Value
	eventbus.Subscribe(rt.Bus(), func(ev HealthChanged) error {
		event.Store(ev)
		return nil
	}, eventbus.PriorityCritical)

	_, _ = rt.CollectNow(context.Background()) // establishes the healthy baseline

	provider.cpu.Store(99)
	provider.mem.Store(99)
	_, _ = rt.CollectNow(context.Background())

	waitFor(t, func() bool { return event.Load() != nil })
	change := event.Load().(HealthChanged)
	assert.Equal(t, types.HealthHealthy, change.From)
	assert.Equal(t, types.HealthUnhealthy, change.To)
}

func TestSnapshotCollectedEvent(t *testing.T) {
	rt := newRuntime(t, testConfig(), &swappableProvider{})
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	var count atomic.Uint64
	eventbus.Subscribe(rt.Bus(), func(SnapshotCollected) error {
		count.Add(1)
		return nil
	}, eventbus.PriorityNormal)

	_, err := rt.CollectNow(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return count.Load() == 1 })
}

func TestFaultManagerRegistry(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil)

	m1, err := rt.FaultManager("downstream")
	require.NoError(t, err)
	m2, err := rt.FaultManager("downstream")
	require.NoError(t, err)
	assert.Same(t, m1, m2, "managers are cached by name")

	other, err := rt.FaultManager("other")
	require.NoError(t, err)
	assert.NotSame(t, m1, other)
}

func TestHealthEscalatesWithUnhealthyCollector(t *testing.T) {
	provider := &swappableProvider{}
	provider.cpu.Store(10)
	provider.mem.Store(10)
	rt := newRuntime(t, testConfig(), provider)

	assert.Equal(t, types.HealthHealthy, rt.Health().Status)

	require.NoError(t, rt.RegisterCollector(&stubCollector{name: "sick", healthy: false}))
	res := rt.Health()
	assert.Equal(t, types.HealthDegraded, res.Status)
	assert.Contains(t, res.Metadata, "collector sick unhealthy")
}

func TestBackgroundCollectionLoop(t *testing.T) {
	cfg := testConfig()
	cfg.CollectionEnabled = true
	cfg.Adaptive.Intervals = config.LevelSettings{
		Idle:     10 * time.Millisecond,
		Light:    10 * time.Millisecond,
		Moderate: 10 * time.Millisecond,
		High:     10 * time.Millisecond,
		Critical: 10 * time.Millisecond,
	}

	rt := newRuntime(t, cfg, &swappableProvider{})
	require.NoError(t, rt.Start(context.Background()))
	defer func() { _ = rt.Stop(time.Second) }()

	waitFor(t, func() bool { return rt.Series().Len() >= 2 })
}
