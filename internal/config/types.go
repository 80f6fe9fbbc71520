package config

import (
	"fmt"
	"strings"
)

// Config is the root of the daemon's configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Transport TransportConfig `json:"transport"`

	// Storage is required: the engine needs a durable store to survive
	// restarts. An omitted section falls back to the file driver next to
	// the config file.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the delivery engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - fire_timeout: "30s"
//   - rate_per_sec: 0 (unlimited)
type SchedulerConfig struct {
	// Timezone resolves recurring patterns (IANA name, e.g. "Asia/Jakarta").
	// Empty means the host local zone.
	Timezone string `json:"timezone,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// FireTimeout bounds one delivery attempt, forwards included.
	FireTimeout string `json:"fire_timeout,omitempty"`

	// RatePerSec throttles outbound sends across all sessions.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// TransportConfig controls outbound delivery.
type TransportConfig struct {
	// CountryCode completes bare national phone numbers ("62" when empty).
	CountryCode string `json:"country_code,omitempty"`

	// DryRun logs deliveries instead of sending them.
	DryRun bool `json:"dry_run,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./wagate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// Validate rejects configs the daemon could not start with. It is also the
// gate for hot reloads: a config that fails here never reaches subscribers.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path required when file logging is enabled")
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if c.Scheduler.RatePerSec < 0 {
		return fmt.Errorf("scheduler.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.fire_timeout", c.Scheduler.FireTimeout); err != nil {
		return err
	}
	if s := c.Storage; s != nil {
		// Same set the storage package opens, "sqlite3" alias included.
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
