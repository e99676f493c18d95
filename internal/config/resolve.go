package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"postflow/internal/conflict"
	"postflow/internal/platform"
	"postflow/internal/publish"
	"postflow/internal/scheduler"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/trigger"
	logx "postflow/pkg/logx"
)

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func (c StorageConfig) Store() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       c.Driver,
		Path:         c.Path,
		DSN:          c.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: c.MaxOpenConns,
	}, nil
}

// Engine resolves the task engine settings. An omitted section is enabled with defaults.
func (c *Config) Engine() (engine.Config, error) {
	te := derefTaskEngine(c.TaskEngine)
	out := engine.Config{
		Enabled:     true,
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
		RetryMax:    te.RetryMax,
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	var err error
	if out.DefaultTimeout, err = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func (c SchedulerConfig) Sched() (scheduler.Config, error) {
	out := scheduler.Config{
		SweepSchedule:    c.SweepSchedule,
		RecoverySchedule: c.RecoverySchedule,
		MaxRetries:       c.MaxRetries,
		BatchSize:        c.BatchSize,
		Concurrency:      c.Concurrency,
	}
	for _, s := range []string{c.SweepSchedule, c.RecoverySchedule} {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if _, err := trigger.ParseSchedule(s); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler: %w", err)
		}
	}
	var err error
	if out.RetryBackoff, err = ParseDurationField("scheduler.retry_backoff", c.RetryBackoff); err != nil {
		return scheduler.Config{}, err
	}
	if out.StuckAfter, err = ParseDurationField("scheduler.stuck_after", c.StuckAfter); err != nil {
		return scheduler.Config{}, err
	}
	if out.SweepTimeout, err = ParseDurationField("scheduler.sweep_timeout", c.SweepTimeout); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// Location loads the trigger timezone; empty means UTC.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (c ConflictConfig) Resolver() (conflict.Config, error) {
	g, err := ParseSlotDuration("conflict.granularity", c.Granularity)
	if err != nil {
		return conflict.Config{}, err
	}
	step, err := ParseSlotDuration("conflict.step", c.Step)
	if err != nil {
		return conflict.Config{}, err
	}
	return conflict.Config{Granularity: g, Step: step, MaxProbes: c.MaxProbes}, nil
}

// Guard resolves the call guard for the platform named id.
func (c PlatformConfig) Guard(id string) (platform.GuardConfig, error) {
	p := "platforms." + id
	out := platform.GuardConfig{RatePerSecond: c.RatePerSecond, Burst: c.Burst}
	var err error
	if out.Timeout, err = ParseDurationField(p+".timeout", c.Timeout); err != nil {
		return out, err
	}
	out.Breaker.TripFailures = c.Circuit.TripFailures
	if out.Breaker.BaseDelay, err = ParseDurationField(p+".circuit.base_delay", c.Circuit.BaseDelay); err != nil {
		return out, err
	}
	if out.Breaker.MaxDelay, err = ParseDurationField(p+".circuit.max_delay", c.Circuit.MaxDelay); err != nil {
		return out, err
	}
	if out.Breaker.ResetAfter, err = ParseDurationField(p+".circuit.reset_after", c.Circuit.ResetAfter); err != nil {
		return out, err
	}
	return out, nil
}

// Kind is the implementation type, defaulting to the platform id.
func (c PlatformConfig) Kind(id string) string {
	if t := strings.ToLower(strings.TrimSpace(c.Type)); t != "" {
		return t
	}
	return strings.ToLower(strings.TrimSpace(id))
}

// StaticConnections converts the connections section for the static directory.
func (c *Config) StaticConnections() map[string][]publish.PlatformConnection {
	out := make(map[string][]publish.PlatformConnection, len(c.Connections))
	for user, list := range c.Connections {
		for _, cc := range list {
			active := true
			if cc.Active != nil {
				active = *cc.Active
			}
			out[user] = append(out[user], publish.PlatformConnection{
				Platform:           publish.PlatformID(cc.Platform).Normalize(),
				IsActive:           active,
				Credentials:        credentialBytes(cc.Credentials),
				AccountUsername:    cc.Username,
				AccountDisplayName: cc.DisplayName,
			})
		}
	}
	return out
}

// credentialBytes keeps objects as JSON and unwraps a plain JSON string.
func credentialBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}

// Validate checks every field that is parsed lazily elsewhere, so a bad
// reload is rejected before anything is applied.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := c.Storage.Store()
	collect(err)
	_, err = c.Engine()
	collect(err)
	_, err = c.Scheduler.Sched()
	collect(err)
	_, err = c.Scheduler.Location()
	collect(err)
	_, err = c.Conflict.Resolver()
	collect(err)
	_, err = c.HTTP.Timeouts()
	collect(err)

	ids := make([]string, 0, len(c.Platforms))
	for id := range c.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if publish.PlatformID(id).Normalize() == "" {
			errs = append(errs, errors.New("platforms: empty platform id"))
			continue
		}
		_, err := c.Platforms[id].Guard(id)
		collect(err)
	}
	for user, list := range c.Connections {
		if strings.TrimSpace(user) == "" {
			errs = append(errs, errors.New("connections: empty user id"))
		}
		for i, cc := range list {
			if publish.PlatformID(cc.Platform).Normalize() == "" {
				errs = append(errs, fmt.Errorf("connections.%s[%d]: platform required", user, i))
			}
		}
	}
	return errors.Join(errs...)
}

// HTTPTimeouts are the resolved server timeouts.
type HTTPTimeouts struct {
	Read, Write, Idle, Shutdown time.Duration
}

func (c HTTPConfig) Timeouts() (HTTPTimeouts, error) {
	var (
		t   HTTPTimeouts
		err error
	)
	if t.Read, err = ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 15*time.Second); err != nil {
		return t, err
	}
	if t.Write, err = ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, 60*time.Second); err != nil {
		return t, err
	}
	if t.Idle, err = ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, 2*time.Minute); err != nil {
		return t, err
	}
	if t.Shutdown, err = ParseDurationOrDefault("http.shutdown_timeout", c.ShutdownTimeout, 10*time.Second); err != nil {
		return t, err
	}
	return t, nil
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
