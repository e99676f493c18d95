package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postflow/internal/connections"
	"postflow/internal/orchestrator"
	"postflow/internal/platform"
	"postflow/internal/platform/dryrun"
	"postflow/internal/publish"
	"postflow/internal/scheduler"
	"postflow/internal/storage"
	logx "postflow/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	h    http.Handler
	orch *orchestrator.Orchestrator
	st   storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	reg := platform.NewRegistry()
	if err := reg.Register("dryrun", dryrun.New(dryrun.Config{}, logx.Nop())); err != nil {
		t.Fatal(err)
	}
	dir := connections.NewStatic(map[string][]publish.PlatformConnection{
		"u1": {{Platform: "dryrun", IsActive: true, AccountUsername: "shop"}},
	})
	now := func() time.Time { return t0 }
	orch := orchestrator.New(dir, reg, orchestrator.Options{Audit: st, Now: now})
	t.Cleanup(orch.Wait)
	sched := scheduler.New(scheduler.Config{}, scheduler.Options{Store: st, Exec: orch, Now: now})

	h := New(Deps{
		Publisher: orch,
		Items:     sched,
		Health: func(ctx context.Context, userID string) ([]connections.Health, error) {
			return connections.CheckHealth(ctx, dir, reg, userID, now)
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok_total 1\n")) }),
	})
	return &fixture{h: h, orch: orch, st: st}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rec.Code, body)
	}
	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok_total") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthzReportsNotReady(t *testing.T) {
	h := New(Deps{Ready: func(context.Context) error { return errors.New("store down") }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPublishNow(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/users/u1/publish",
		`{"platforms":["dryrun","instagram"],"content":{"text":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	results := body["results"].([]any)
	if len(results) != 2 || body["success"] != false {
		t.Fatalf("body = %v", body)
	}
	byPlatform := map[string]map[string]any{}
	for _, r := range results {
		m := r.(map[string]any)
		byPlatform[m["platform"].(string)] = m
	}
	if byPlatform["dryrun"]["success"] != true {
		t.Fatalf("dryrun = %v", byPlatform["dryrun"])
	}
	if byPlatform["instagram"]["error_kind"] != string(publish.KindNoActiveConnection) {
		t.Fatalf("instagram = %v", byPlatform["instagram"])
	}
}

func TestPublishNowErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"no connections", "/api/users/u2/publish", `{"platforms":["dryrun"],"content":{"text":"x"}}`, http.StatusUnprocessableEntity, CodeNoActiveConnections},
		{"unknown field", "/api/users/u1/publish", `{"platforms":["dryrun"],"body":"x"}`, http.StatusBadRequest, CodeBadRequest},
		{"trailing data", "/api/users/u1/publish", `{"platforms":["dryrun"]} {}`, http.StatusBadRequest, CodeBadRequest},
		{"no platforms", "/api/users/u1/publish", `{"platforms":[" "],"content":{"text":"x"}}`, http.StatusBadRequest, CodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status || body["error"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", rec.Code, body, tc.status, tc.code)
			}
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)
	const sched = `{"platforms":["dryrun"],"content":{"text":"sale"},"scheduled_time":"2025-03-01T09:00:20Z"}`

	rec, body := f.do(t, http.MethodPost, "/api/users/u1/items", sched)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule = %d %s", rec.Code, rec.Body.String())
	}
	id := body["id"].(string)
	if body["status"] != "pending" || body["scheduled_time"] != "2025-03-01T09:00:00Z" {
		t.Fatalf("item = %v", body)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/users/u1/items/"+id {
		t.Fatalf("location = %q", loc)
	}

	rec, body = f.do(t, http.MethodPost, "/api/users/u1/items", sched)
	if rec.Code != http.StatusConflict || body["error"] != CodeScheduleConflict {
		t.Fatalf("conflict = %d %v", rec.Code, body)
	}
	if body["suggested_time"] != "2025-03-01T09:15:00Z" {
		t.Fatalf("suggested_time = %v", body["suggested_time"])
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/u1/items/"+id, "")
	if rec.Code != http.StatusOK || body["id"] != id {
		t.Fatalf("get = %d %v", rec.Code, body)
	}
	rec, _ = f.do(t, http.MethodGet, "/api/users/u2/items/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get = %d", rec.Code)
	}

	rec, body = f.do(t, http.MethodPatch, "/api/users/u1/items/"+id, `{"scheduled_time":"2025-03-01T10:00:00Z"}`)
	if rec.Code != http.StatusOK || body["scheduled_time"] != "2025-03-01T10:00:00Z" {
		t.Fatalf("reschedule = %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/u1/items?status=pending", "")
	if rec.Code != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("list = %d %v", rec.Code, body)
	}
	rec, _ = f.do(t, http.MethodGet, "/api/users/u1/items?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rec.Code)
	}

	rec, body = f.do(t, http.MethodDelete, "/api/users/u1/items/"+id, "")
	if rec.Code != http.StatusOK || body["cancelled"] != true {
		t.Fatalf("cancel = %d %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodDelete, "/api/users/u1/items/"+id, "")
	if rec.Code != http.StatusConflict || body["error"] != CodeNotCancellable {
		t.Fatalf("second cancel = %d %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodPatch, "/api/users/u1/items/"+id, `{"scheduled_time":"2025-03-01T11:00:00Z"}`)
	if rec.Code != http.StatusConflict || body["error"] != CodeNotPending {
		t.Fatalf("reschedule cancelled = %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/u1/items", "")
	if rec.Code != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("list all = %d %v", rec.Code, body)
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/users/u1/items", `{"platforms":["dryrun"],"content":{"text":""},"scheduled_time":"2025-03-01T09:00:00Z"}`)
	if rec.Code != http.StatusBadRequest || body["error"] != CodeBadRequest {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestConnectionHealth(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/users/u1/connections/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	conns := body["connections"].([]any)
	if len(conns) != 1 || conns[0].(map[string]any)["healthy"] != true {
		t.Fatalf("connections = %v", conns)
	}
}

func TestServerApply(t *testing.T) {
	h := New(Deps{})
	srv := NewServer(h, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	if err := srv.Apply(ctx, ServerConfig{Addr: "127.0.0.1:0"}); err != nil {
		t.Fatal(err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("server has no address")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if err := srv.Apply(ctx, ServerConfig{}); err != nil {
		t.Fatal(err)
	}
	if got := srv.Addr(); got != "" {
		t.Fatalf("server still listening on %s", got)
	}
}
