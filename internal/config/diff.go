package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postflow/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections and
// (2) safe structured attrs for logging. Credentials, DSNs and platform
// options are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(o.Driver) != strings.TrimSpace(n.Driver) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		o.DSN != n.DSN ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) ||
		o.MaxOpenConns != n.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
			logx.Bool("storage.dsn_set", n.DSN != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := true
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.sweep_schedule", s.SweepSchedule),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Int("scheduler.max_retries", s.MaxRetries),
			logx.String("scheduler.retry_backoff", s.RetryBackoff),
		)
	}

	if !reflect.DeepEqual(oldCfg.Conflict, newCfg.Conflict) {
		changed = append(changed, "conflict")
		attrs = append(attrs,
			logx.String("conflict.step", newCfg.Conflict.Step),
			logx.Int("conflict.max_probes", newCfg.Conflict.MaxProbes),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.profiler", newCfg.HTTP.Profiler),
		)
	}

	if names := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(names) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Strings("platforms.changed", names),
			logx.Int("platforms.enabled_count", countEnabled(newCfg.Platforms)),
		)
	}

	if users := diffConnections(oldCfg.Connections, newCfg.Connections); users > 0 {
		changed = append(changed, "connections")
		attrs = append(attrs, logx.Int("connections.users_changed", users))
	}

	sort.Strings(changed)
	return changed, attrs
}

func countEnabled(m map[string]PlatformConfig) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || canonicalHashJSON(o.Options) != canonicalHashJSON(n.Options) {
			out = append(out, name)
			continue
		}
		o.Options, n.Options = nil, nil
		if !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// diffConnections counts users whose connection list changed.
func diffConnections(oldM, newM map[string][]ConnectionConfig) int {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	n := 0
	for user := range set {
		if hashConnections(oldM[user]) != hashConnections(newM[user]) {
			n++
		}
	}
	return n
}

func hashConnections(list []ConnectionConfig) uint64 {
	var h uint64
	for i, c := range list {
		part := hashBytes([]byte(c.Platform + "\x00" + c.Username + "\x00" + c.DisplayName))
		part ^= canonicalHashJSON(c.Credentials)
		if c.Active != nil && !*c.Active {
			part ^= 0x9e3779b97f4a7c15
		}
		h = h*31 + part + uint64(i)
	}
	return h
}
