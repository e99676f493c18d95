package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"postflow/internal/publish"
)

const sampleYAML = `
logging: { level: debug, console: true }
storage: { driver: sqlite, path: "${POSTFLOW_TEST_DIR}/pf.db", busy_timeout: 3s }
scheduler:
  enabled: true
  sweep_schedule: "*/1 * * * *"
  retry_backoff: 2m
  max_retries: 4
  timezone: Europe/Berlin
conflict: { step: 10m }
http: { addr: ":8080" }
platforms:
  telegram:
    enabled: true
    timeout: 20s
    circuit: { trip_failures: -1 }
    options: { disable_preview: true }
connections:
  u1:
    - platform: Telegram
      credentials: { bot_token: "${POSTFLOW_TEST_TOKEN}", chat_id: "${POSTFLOW_TEST_CHAT:-@demo}" }
    - platform: dryrun
      active: false
      credentials: plain
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLExpandsEnvAndResolves(t *testing.T) {
	t.Setenv("POSTFLOW_TEST_DIR", "/var/lib/pf")
	t.Setenv("POSTFLOW_TEST_TOKEN", "123:abc")
	m := NewConfigManager(writeFile(t, "postflow.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}

	st, err := cfg.Storage.Store()
	if err != nil || st.Path != "/var/lib/pf/pf.db" || st.BusyTimeout != 3*time.Second {
		t.Fatalf("storage = %+v, %v", st, err)
	}
	sc, err := cfg.Scheduler.Sched()
	if err != nil || sc.RetryBackoff != 2*time.Minute || sc.MaxRetries != 4 {
		t.Fatalf("scheduler = %+v, %v", sc, err)
	}
	if loc, err := cfg.Scheduler.Location(); err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("location = %v, %v", loc, err)
	}
	eng, _ := cfg.Engine()
	if !eng.Enabled {
		t.Fatal("omitted task_engine should be enabled")
	}
	g, err := cfg.Platforms["telegram"].Guard("telegram")
	if err != nil || g.Timeout != 20*time.Second || g.Breaker.TripFailures != -1 {
		t.Fatalf("guard = %+v, %v", g, err)
	}

	want := map[string][]publish.PlatformConnection{
		"u1": {
			{Platform: "telegram", IsActive: true, Credentials: []byte(`{"bot_token":"123:abc","chat_id":"@demo"}`)},
			{Platform: "dryrun", IsActive: false, Credentials: []byte("plain")},
		},
	}
	if diff := cmp.Diff(want, cfg.StaticConnections()); diff != "" {
		t.Fatalf("connections (-want +got):\n%s", diff)
	}
}

func TestParseDurations(t *testing.T) {
	cases := []struct {
		raw     string
		slot    bool
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "1.5d", wantErr: true},
		{raw: "-1m", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "15m", slot: true, want: 15 * time.Minute},
		{raw: "1500ms", slot: true, wantErr: true},
		{raw: "2d", slot: true, wantErr: true},
	}
	for _, tc := range cases {
		parse := ParseDurationField
		if tc.slot {
			parse = ParseSlotDuration
		}
		got, err := parse("conflict.step", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q (slot=%v): err = %v, wantErr %v", tc.raw, tc.slot, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("%q (slot=%v) = %s, want %s", tc.raw, tc.slot, got, tc.want)
		}
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cases := map[string]string{
		"top.json":      `{"logging":{},"surprise":1}`,
		"platform.yaml": "platforms:\n  telegram:\n    enabled: true\n    timout: 3s\n",
		"trailing.json": `{} {}`,
	}
	for name, body := range cases {
		if _, err := Decode(name, []byte(body)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{SweepSchedule: "whenever", Timezone: "Mars/Olympus"},
		HTTP:      HTTPConfig{ReadTimeout: "-1s"},
		Platforms: map[string]PlatformConfig{"telegram": {Timeout: "soon"}},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("invalid config accepted")
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}

	newCfg.Scheduler.MaxRetries = 9
	newCfg.Connections["u1"][1].Credentials = []byte(`"rotated"`)
	p := newCfg.Platforms["telegram"]
	p.Options = []byte(`{"disable_preview":false}`)
	newCfg.Platforms["telegram"] = p

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if diff := cmp.Diff([]string{"connections", "platforms", "scheduler"}, changed); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "postflow.json", `{"scheduler":{"max_retries":3}}`)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"scheduler":{"retry_backoff":"bogus"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"scheduler":{"max_retries":5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Scheduler.MaxRetries != 5 {
			t.Fatalf("published config = %+v", cfg.Scheduler)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
