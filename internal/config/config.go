// Package config loads claude-routines settings from config.toml, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a string such as "30s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the service configuration
type Config struct {
	DataDir   string          `toml:"-"`
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Stream    StreamConfig    `toml:"stream"`
	Await     AwaitConfig     `toml:"await"`
	Redis     RedisConfig     `toml:"redis"`
	Log       LogConfig       `toml:"log"`
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite3 or postgres
	DSN    string `toml:"dsn"`
}

// ServerConfig contains HTTP settings
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// SchedulerConfig contains due-routine polling settings
type SchedulerConfig struct {
	Tick         Duration `toml:"tick"`
	BatchSize    int      `toml:"batch_size"`
	StaleOnStart bool     `toml:"stale_on_start"`
}

// RuntimeConfig selects how executions are run. "command" runs the agent CLI in-process,
// "external" leaves executions pending for a runtime that reports over HTTP.
type RuntimeConfig struct {
	Mode          string   `toml:"mode"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	Timeout       Duration `toml:"timeout"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

// StreamConfig tunes the progress broadcaster
type StreamConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	PageSize     int      `toml:"page_size"`
}

// AwaitConfig bounds `run --wait`
type AwaitConfig struct {
	Interval    Duration `toml:"interval"`
	MaxInterval Duration `toml:"max_interval"`
	Timeout     Duration `toml:"timeout"`
}

// RedisConfig enables the cross-process notification relay when URL is set
type RedisConfig struct {
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// New creates a config with defaults rooted at dataDir
func New(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(dataDir, "routines.db"),
		},
		Server: ServerConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{
			Tick:         Duration{30 * time.Second},
			BatchSize:    100,
			StaleOnStart: true,
		},
		Runtime: RuntimeConfig{
			Mode:          "command",
			Command:       "claude",
			Args:          []string{"-p", "--dangerously-skip-permissions", "--verbose", "--output-format", "stream-json"},
			Timeout:       Duration{30 * time.Minute},
			MaxConcurrent: 4,
		},
		Stream: StreamConfig{
			PollInterval: Duration{2 * time.Second},
			PageSize:     500,
		},
		Await: AwaitConfig{
			Interval:    Duration{time.Second},
			MaxInterval: Duration{10 * time.Second},
			Timeout:     Duration{10 * time.Minute},
		},
		Redis: RedisConfig{Channel: "claude-routines.progress"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultDataDir is $CLAUDE_ROUTINES_DATA or ~/.claude-routines
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("CLAUDE_ROUTINES_DATA"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".claude-routines"), nil
}

// Load reads .env, then dataDir/config.toml when present, then environment overrides, and
// validates the result. An empty dataDir means DefaultDataDir.
func Load(dataDir string) (*Config, error) {
	_ = godotenv.Load()

	if dataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := New(dataDir)
	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"CLAUDE_ROUTINES_DB_DRIVER": &c.Database.Driver,
		"CLAUDE_ROUTINES_DB_DSN":    &c.Database.DSN,
		"CLAUDE_ROUTINES_ADDR":      &c.Server.Addr,
		"CLAUDE_ROUTINES_REDIS_URL": &c.Redis.URL,
		"LOG_LEVEL":                 &c.Log.Level,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Scheduler.Tick.Duration < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick must be at least 1s, got %s", c.Scheduler.Tick))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	switch c.Runtime.Mode {
	case "command":
		if c.Runtime.Command == "" {
			errs = append(errs, errors.New("runtime.command is required in command mode"))
		}
	case "external":
	default:
		errs = append(errs, fmt.Errorf("runtime.mode must be command or external, got %q", c.Runtime.Mode))
	}
	if c.Runtime.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("runtime.timeout must be positive"))
	}
	if c.Runtime.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("runtime.max_concurrent must be positive"))
	}
	if c.Stream.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("stream.poll_interval must be positive"))
	}
	if c.Await.Timeout.Duration <= 0 || c.Await.Interval.Duration <= 0 {
		errs = append(errs, errors.New("await.interval and await.timeout must be positive"))
	}
	if c.Await.MaxInterval.Duration < c.Await.Interval.Duration {
		errs = append(errs, errors.New("await.max_interval must not be below await.interval"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
