package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/config"
	"timerd/internal/factory"
	logx "timerd/pkg/logx"
)

const appYAML = `
logging:
  level: error
scheduler:
  tick_interval: 50ms
  reap_interval: 50ms
  timezone: UTC
engine:
  workers: 1
timers:
  - id: nightly
    matcher:
      module: cron
      config: {spec: "0 3 * * *"}
    task:
      module: log
      config: {message: nightly}
  - id: fast
    matcher:
      module: interval
      config: {every: 10ms}
    task:
      module: log
      config: {message: fast, level: debug}
`

const reloadedYAML = `
logging:
  level: error
scheduler:
  tick_interval: 50ms
  reap_interval: 50ms
  timezone: UTC
engine:
  workers: 2
timers:
  - id: fast
    matcher:
      module: interval
      config: {every: 10ms}
    task:
      module: log
      config: {message: fast, level: debug}
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "timerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppStartReloadStop(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)

	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	assert.Equal(t, 2, a.Scheduler().Len())
	_, ok := a.Scheduler().Get("nightly")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		return a.Engine().Snapshot().Succeeded > 0
	}, 2*time.Second, 20*time.Millisecond, "interval timer never ran")

	// The file watcher may publish first; either way the reload must succeed.
	writeConfig(t, dir, reloadedYAML)
	_, err = a.ConfigManager().Reload(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := a.Scheduler().Get("nightly")
		return !ok && a.Scheduler().Len() == 1
	}, 2*time.Second, 20*time.Millisecond, "removed timer still registered")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.False(t, a.Scheduler().Running())
}

func TestReloadRejectsUnbuildableTimer(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)

	a, err := New(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	writeConfig(t, dir, appYAML+`
  - id: broken
    matcher:
      module: cron
      config: {spec: "not a cron"}
    task:
      module: log
`)
	published, err := a.ConfigManager().Reload(ctx)
	require.Error(t, err)
	assert.False(t, published)
	assert.Equal(t, 2, a.Scheduler().Len())
}

func TestDefinitionsKeyAnonymousTimers(t *testing.T) {
	cfg, err := config.ParseBytes("t.yaml", []byte(appYAML+`
  - matcher:
      module: never
    task:
      module: log
`))
	require.NoError(t, err)

	deps, err := factoryDeps(cfg, logx.Nop(), nil)
	require.NoError(t, err)
	defs := Definitions(factory.Builtin(), cfg, deps)
	require.Len(t, defs, 3)

	anon := defs[2]
	assert.Equal(t, config.TimerKey(cfg.Timers[2]), anon.Key)
	tm, err := anon.Build()
	require.NoError(t, err)
	assert.Equal(t, anon.Key, tm.ID())

	// same content, same key and hash across reloads
	again := Definitions(factory.Builtin(), cfg, deps)
	assert.Equal(t, anon.Key, again[2].Key)
	assert.Equal(t, anon.Hash, again[2].Hash)
}

func TestDefinitionHashFollowsTimezone(t *testing.T) {
	assert.NotEqual(t, definitionHash(42, "UTC"), definitionHash(42, "Europe/Paris"))
	assert.Equal(t, definitionHash(42, "UTC"), definitionHash(42, "UTC"))
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "j"}, true, false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "j.db", BusyTimeout: "2s"}, true, false},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.enabled)
			}
			if tt.name == "sqlite" && sc.BusyTimeout != 2*time.Second {
				t.Fatalf("busy timeout = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestMapSchedulerConfigDefaults(t *testing.T) {
	sc, err := mapSchedulerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, time.Second, sc.TickInterval)
	assert.Equal(t, time.Minute, sc.ReapInterval)

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{TickInterval: "soon"}})
	assert.Error(t, err)
}

func TestMapEngineConfigCircuitAndGroups(t *testing.T) {
	ec, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{
		CircuitTripFailures: 3,
		CircuitBaseDelay:    "10s",
		CircuitResetAfter:   "1h",
		Concurrency:         map[string]int{"exec": 1},
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, ec.CircuitTripFailures)
	assert.Equal(t, 10*time.Second, ec.CircuitBaseDelay)
	assert.Zero(t, ec.CircuitMaxDelay, "engine fills the default")
	assert.Equal(t, time.Hour, ec.CircuitResetAfter)
	assert.Equal(t, map[string]int{"exec": 1}, ec.GroupLimits)

	_, err = mapEngineConfig(&config.Config{Engine: config.EngineConfig{CircuitMaxDelay: "later"}})
	assert.ErrorContains(t, err, "engine.circuit_max_delay")
	_, err = mapEngineConfig(&config.Config{Engine: config.EngineConfig{Concurrency: map[string]int{"http": -1}}})
	assert.ErrorContains(t, err, "engine.concurrency.http")
}
