package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Definitions DefinitionsConfig `toml:"definitions"`
	Sync        SyncConfig        `toml:"sync"`
	AutoSync    AutoSyncConfig    `toml:"autosync"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// DefinitionsConfig locates instance and sync configuration definition files
type DefinitionsConfig struct {
	Dir string `toml:"dir"` // Directory containing definition files (TOML/YAML)
}

// SyncConfig contains pipeline tuning parameters
type SyncConfig struct {
	RequestTimeout    time.Duration `toml:"request_timeout"`      // HTTP request timeout per call
	RateLimit         float64       `toml:"rate_limit"`           // Max requests per second per instance (0 = unlimited)
	AggregateChunk    int           `toml:"aggregate_chunk"`      // Data values per import POST
	EventChunk        int           `toml:"event_chunk"`          // Events per import POST
	TrackerOrgUnitCap int           `toml:"tracker_org_unit_cap"` // Max org units queried per tracker program
	DefaultEventStart string        `toml:"default_event_start"`  // Default start date for event extraction (YYYY-MM-DD)
}

// AutoSyncConfig contains defaults applied when a configuration has no settings row
type AutoSyncConfig struct {
	CheckInterval      int    `toml:"check_interval"`       // Seconds between monitor ticks (minimum 60)
	DelayBeforeSync    int    `toml:"delay_before_sync"`    // Seconds to wait before the first tick
	MaxSyncsPerHour    int    `toml:"max_syncs_per_hour"`   // Rate limit per configuration
	CooldownAfterError int    `toml:"cooldown_after_error"` // Seconds to pause after a failed sync
	CleanupSchedule    string `toml:"cleanup_schedule"`     // Cron schedule for dead-monitor cleanup
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in replico.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Definitions: DefinitionsConfig{
			Dir: "./definitions",
		},
		Sync: SyncConfig{
			RequestTimeout:    60 * time.Second,
			RateLimit:         0, // Unlimited unless the instance requires pacing
			AggregateChunk:    1000,
			EventChunk:        500,
			TrackerOrgUnitCap: 10,
			DefaultEventStart: "2020-01-01",
		},
		AutoSync: AutoSyncConfig{
			CheckInterval:      300,
			DelayBeforeSync:    30,
			MaxSyncsPerHour:    10,
			CooldownAfterError: 1800,
			CleanupSchedule:    "*/5 * * * *", // Every 5 minutes
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env -> CLI flags.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REPLICO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("REPLICO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("REPLICO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("REPLICO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("REPLICO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("REPLICO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("REPLICO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if dir := os.Getenv("REPLICO_DEFINITIONS_DIR"); dir != "" {
		config.Definitions.Dir = dir
	}

	if timeout := os.Getenv("REPLICO_SYNC_REQUEST_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			config.Sync.RequestTimeout = t
		}
	}
	if chunk := os.Getenv("REPLICO_SYNC_AGGREGATE_CHUNK"); chunk != "" {
		if c, err := strconv.Atoi(chunk); err == nil && c > 0 {
			config.Sync.AggregateChunk = c
		}
	}
	if chunk := os.Getenv("REPLICO_SYNC_EVENT_CHUNK"); chunk != "" {
		if c, err := strconv.Atoi(chunk); err == nil && c > 0 {
			config.Sync.EventChunk = c
		}
	}
	if cap := os.Getenv("REPLICO_SYNC_TRACKER_ORG_UNIT_CAP"); cap != "" {
		if c, err := strconv.Atoi(cap); err == nil && c > 0 {
			config.Sync.TrackerOrgUnitCap = c
		}
	}

	if interval := os.Getenv("REPLICO_AUTOSYNC_CHECK_INTERVAL"); interval != "" {
		if i, err := strconv.Atoi(interval); err == nil {
			config.AutoSync.CheckInterval = i
		}
	}
	if maxPerHour := os.Getenv("REPLICO_AUTOSYNC_MAX_SYNCS_PER_HOUR"); maxPerHour != "" {
		if m, err := strconv.Atoi(maxPerHour); err == nil {
			config.AutoSync.MaxSyncsPerHour = m
		}
	}
	if cooldown := os.Getenv("REPLICO_AUTOSYNC_COOLDOWN_AFTER_ERROR"); cooldown != "" {
		if c, err := strconv.Atoi(cooldown); err == nil {
			config.AutoSync.CooldownAfterError = c
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration bounds that would otherwise fail deep in a sync
func (c *Config) Validate() error {
	if c.Sync.AggregateChunk < 1 {
		return fmt.Errorf("sync.aggregate_chunk must be positive, got %d", c.Sync.AggregateChunk)
	}
	if c.Sync.EventChunk < 1 {
		return fmt.Errorf("sync.event_chunk must be positive, got %d", c.Sync.EventChunk)
	}
	if c.Sync.TrackerOrgUnitCap < 1 {
		return fmt.Errorf("sync.tracker_org_unit_cap must be positive, got %d", c.Sync.TrackerOrgUnitCap)
	}
	if c.AutoSync.CheckInterval < 60 {
		return fmt.Errorf("autosync.check_interval must be at least 60 seconds, got %d", c.AutoSync.CheckInterval)
	}
	if c.AutoSync.MaxSyncsPerHour < 1 {
		return fmt.Errorf("autosync.max_syncs_per_hour must be positive, got %d", c.AutoSync.MaxSyncsPerHour)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
