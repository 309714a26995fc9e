package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/pulse/adaptive"
	"github.com/99souls/pulse/types"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestAdaptiveSectionRoundTrip(t *testing.T) {
	cfg := Default()
	converted := cfg.AdaptiveConfig()
	require.NoError(t, converted.Validate())
	assert.Equal(t, adaptive.StrategyBalanced, converted.Strategy)
	assert.Equal(t, 30*time.Second, converted.Intervals[adaptive.LevelIdle])
	assert.Equal(t, 0.1, converted.SamplingRates[adaptive.LevelCritical])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrResourceUnavailable))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
monitor:
  thresholds:
    cpu_percent: 70
bus:
  max_queue_size: 64
  worker_count: 3
adaptive:
  strategy: aggressive
  hysteresis_margin: 2.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 70.0, cfg.Monitor.Thresholds.CPUPercent)
	assert.Equal(t, 64, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 3, cfg.Bus.WorkerCount)
	assert.Equal(t, "aggressive", cfg.Adaptive.Strategy)
	assert.Equal(t, 2.5, cfg.Adaptive.HysteresisMargin)
	// Untouched sections keep their defaults.
	assert.Equal(t, 90.0, cfg.Monitor.Thresholds.MemoryPercent)
	assert.Equal(t, 3600, cfg.TimeSeries.MaxPoints)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  worker_count: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidConfiguration))
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")

	cfg := Default()
	cfg.Monitor.Thresholds.CPUPercent = 60
	cfg.Bus.MaxQueueSize = 256
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60.0, loaded.Monitor.Thresholds.CPUPercent)
	assert.Equal(t, 256, loaded.Bus.MaxQueueSize)
	assert.Equal(t, cfg.Adaptive, loaded.Adaptive)
}

func TestWatcherEmitsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, Save(path, Default()))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, errs := w.Watch(ctx)

	updated := Default()
	updated.Monitor.Thresholds.CPUPercent = 55
	require.NoError(t, Save(path, updated))

	select {
	case change := <-changes:
		assert.Equal(t, 55.0, change.Config.Monitor.Thresholds.CPUPercent)
	case err := <-errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-ctx.Done():
		t.Fatal("no reload observed")
	}
}

func TestWatcherReportsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, Save(path, Default()))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, errs := w.Watch(ctx)

	require.NoError(t, os.WriteFile(path, []byte("bus:\n  worker_count: 0\n"), 0o644))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case change := <-changes:
		t.Fatalf("invalid config must not be emitted: %+v", change)
	case <-ctx.Done():
		t.Fatal("no error observed")
	}
}
