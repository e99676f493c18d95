package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. YAML and JSON share this schema and
// unknown keys are rejected. String values may reference the environment as
// ${VAR} or ${VAR:-default}.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Conflict   ConflictConfig    `json:"conflict,omitempty"`
	HTTP       HTTPConfig        `json:"http"`

	// Platforms is keyed by platform id ("telegram", "dryrun", ...).
	Platforms map[string]PlatformConfig `json:"platforms"`
	// Connections is a static connection directory keyed by user id. It takes
	// precedence over connections stored in the database.
	Connections map[string][]ConnectionConfig `json:"connections,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/postflow.db }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs sweeps and retractions.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the due-item sweep.
//
// sweep_schedule and recovery_schedule accept cron ("*/1 * * * *"),
// "@every 30s", a Go duration ("30s") or HH:MM ("00:05").
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	SweepSchedule    string `json:"sweep_schedule,omitempty"`
	RecoverySchedule string `json:"recovery_schedule,omitempty"`
	Timezone         string `json:"timezone,omitempty"`

	MaxRetries int `json:"max_retries,omitempty"`
	// RetryBackoff is multiplied by the retry count. "0s" retries on the next sweep.
	RetryBackoff string `json:"retry_backoff,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	StuckAfter   string `json:"stuck_after,omitempty"`
	SweepTimeout string `json:"sweep_timeout,omitempty"`
}

type ConflictConfig struct {
	Granularity string `json:"granularity,omitempty"`
	Step        string `json:"step,omitempty"`
	MaxProbes   int    `json:"max_probes,omitempty"`
}

// HTTPConfig controls the API server. An empty addr disables it.
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Profiler mounts net/http/pprof under /debug. Keep it off on public listeners.
	Profiler bool `json:"profiler,omitempty"`
}

// PlatformConfig configures one platform capability and its call guard.
type PlatformConfig struct {
	Enabled bool `json:"enabled"`
	// Type selects the implementation; it defaults to the map key.
	Type          string        `json:"type,omitempty"`
	Timeout       string        `json:"timeout,omitempty"`
	RatePerSecond float64       `json:"rate_per_second,omitempty"`
	Burst         int           `json:"burst,omitempty"`
	Circuit       CircuitConfig `json:"circuit,omitempty"`
	// Options are decoded strictly by the platform implementation.
	Options json.RawMessage `json:"options,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a platform block fail the load.
func (p *PlatformConfig) UnmarshalJSON(b []byte) error {
	type plain PlatformConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PlatformConfig(t)
	return nil
}

// CircuitConfig mirrors the breaker settings. trip_failures < 0 disables it.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// ConnectionConfig is one statically configured platform connection.
type ConnectionConfig struct {
	Platform string `json:"platform"`
	// Active defaults to true.
	Active      *bool           `json:"active,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Username    string          `json:"username,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
}
