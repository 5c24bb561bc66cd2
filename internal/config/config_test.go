package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "routines.db"), cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick.Duration)
	assert.Equal(t, 30*time.Minute, cfg.Runtime.Timeout.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Await.Timeout.Duration)
	assert.True(t, cfg.Scheduler.StaleOnStart)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[database]
driver = "postgres"
dsn = "postgres://localhost/routines?sslmode=disable"

[scheduler]
tick = "1m"
stale_on_start = false

[runtime]
mode = "external"
timeout = "5m"

[stream]
poll_interval = "500ms"

[redis]
url = "redis://localhost:6379/0"

[log]
level = "debug"
format = "json"
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.Scheduler.Tick.Duration)
	assert.False(t, cfg.Scheduler.StaleOnStart)
	assert.Equal(t, "external", cfg.Runtime.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Runtime.Timeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.PollInterval.Duration)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Runtime.MaxConcurrent)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAUDE_ROUTINES_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[scheduler\ntick ="), 0o644))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestBadDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[scheduler]\ntick = \"soon\"\n"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := New(t.TempDir())
	require.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	cfg.Scheduler.Tick = Duration{time.Millisecond}
	cfg.Runtime.Mode = "magic"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"database.driver", "scheduler.tick", "runtime.mode", "log.format"} {
		assert.ErrorContains(t, err, want)
	}
}
