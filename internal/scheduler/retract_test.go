package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"postflow/internal/connections"
	"postflow/internal/orchestrator"
	"postflow/internal/platform"
	"postflow/internal/platform/dryrun"
	"postflow/internal/publish"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

func TestCancelRetractsPartialPosts(t *testing.T) {
	for _, withEngine := range []bool{false, true} {
		name := "inline"
		if withEngine {
			name = "engine"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := storage.NewMemory()
			good := dryrun.New(dryrun.Config{}, logx.Nop())
			broken := dryrun.New(dryrun.Config{FailPublish: true}, logx.Nop())
			reg := platform.NewRegistry()
			if err := reg.Register("alpha", good); err != nil {
				t.Fatal(err)
			}
			if err := reg.Register("beta", broken); err != nil {
				t.Fatal(err)
			}
			dir := connections.NewStatic(map[string][]publish.PlatformConnection{
				"u1": {{Platform: "alpha", IsActive: true}, {Platform: "beta", IsActive: true}},
			})
			orch := orchestrator.New(dir, reg, orchestrator.Options{Audit: st, Now: func() time.Time { return t0 }})

			var eng *engine.Service
			if withEngine {
				eng = engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
				eng.Start(ctx)
				defer eng.Stop(ctx)
			}
			svc := New(Config{}, Options{
				Store:     st,
				Exec:      orch,
				Directory: dir,
				Registry:  reg,
				Engine:    eng,
				Now:       func() time.Time { return t0 },
			})

			it, err := svc.Schedule(ctx, "u1", publish.Content{Text: "launch"}, []publish.PlatformID{"alpha", "beta"}, t0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := svc.RunDueSweep(ctx, t0); err != nil {
				t.Fatal(err)
			}
			orch.Wait()

			got, _ := st.GetItem(ctx, it.ID)
			postID := got.PostedIDs()["alpha"]
			if got.Status != publish.StatusPending || postID == "" {
				t.Fatalf("after partial attempt: %+v", got)
			}
			audit, _ := st.AuditEntries(ctx, "u1", 0)
			if len(audit) != 1 || audit[0].PlatformPostID != postID || audit[0].ItemID != it.ID {
				t.Fatalf("audit = %+v", audit)
			}

			if ok, err := svc.Cancel(ctx, "u1", it.ID); !ok || err != nil {
				t.Fatalf("cancel = %v, %v", ok, err)
			}
			deadline := time.Now().Add(3 * time.Second)
			for !good.Retracted(postID) {
				if time.Now().After(deadline) {
					t.Fatalf("post %s was not retracted", postID)
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	}
}

// cancelStub fails every retraction with err.
type cancelStub struct {
	platform.Capability
	err error
}

func (c cancelStub) CancelScheduledPost(context.Context, []byte, string) error { return c.err }

func newRetraction(t *testing.T, reg *platform.Registry, conns []publish.PlatformConnection, posted map[publish.PlatformID]string) *retraction {
	t.Helper()
	dir := connections.NewStatic(map[string][]publish.PlatformConnection{"u1": conns})
	svc := New(Config{}, Options{
		Store:     storage.NewMemory(),
		Directory: dir,
		Registry:  reg,
		Log:       logx.Nop(),
		Now:       func() time.Time { return t0 },
	})
	return &retraction{svc: svc, userID: "u1", itemID: "item-1", pending: posted}
}

func TestRetractionSkipsArePermanent(t *testing.T) {
	reg := platform.NewRegistry()
	if err := reg.Register("legacy", cancelStub{err: platform.ErrUnsupported}); err != nil {
		t.Fatal(err)
	}
	r := newRetraction(t, reg,
		[]publish.PlatformConnection{{Platform: "legacy", IsActive: true}, {Platform: "gone", IsActive: true}},
		map[publish.PlatformID]string{"legacy": "1", "gone": "2", "unlinked": "3"},
	)

	err := r.run(context.Background())
	if err == nil || !engine.IsNoRetry(err) {
		t.Fatalf("run = %v, want permanent error", err)
	}
	if !errors.Is(err, publish.ErrNoActiveConnections) || !errors.Is(err, platform.ErrUnsupported) {
		t.Fatalf("run = %v, want skipped causes", err)
	}
	if len(r.pending) != 0 {
		t.Fatalf("pending = %v", r.pending)
	}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("second run = %v", err)
	}
}

func TestRetractionWaitsForOpenCircuit(t *testing.T) {
	reg := platform.NewRegistry()
	guard := platform.NewGuard("flaky", cancelStub{err: errors.New("upstream 503")},
		platform.GuardConfig{Breaker: platform.BreakerConfig{TripFailures: 1, BaseDelay: time.Minute, MaxDelay: time.Hour}},
		logx.Nop(), platform.WithClock(func() time.Time { return t0 }))
	if err := reg.Register("flaky", guard); err != nil {
		t.Fatal(err)
	}
	r := newRetraction(t, reg,
		[]publish.PlatformConnection{{Platform: "flaky", IsActive: true}},
		map[publish.PlatformID]string{"flaky": "9"},
	)
	ctx := context.Background()

	err := r.run(ctx)
	if err == nil || engine.IsNoRetry(err) {
		t.Fatalf("first run = %v, want retryable error", err)
	}
	var ra engine.RetryAfterError
	if errors.As(err, &ra) {
		t.Fatalf("first run carries retry hint: %v", err)
	}

	err = r.run(ctx)
	if !errors.Is(err, platform.ErrCircuitOpen) || !errors.As(err, &ra) || ra.RetryAfter() != time.Minute {
		t.Fatalf("second run = %v, want retry after 1m", err)
	}
	if r.pending["flaky"] != "9" {
		t.Fatalf("pending = %v", r.pending)
	}
}
