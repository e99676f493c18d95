package scheduler

import (
	"context"
	"testing"
	"time"

	"postflow/internal/publish"
	"postflow/internal/storage"
	logx "postflow/pkg/logx"
)

// listHookStore runs afterList between listing due items and claiming them.
type listHookStore struct {
	storage.Store
	afterList func(ids []string)
}

func (s *listHookStore) DueItems(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.Store.DueItems(ctx, now, limit)
	if err == nil && s.afterList != nil {
		s.afterList(ids)
		s.afterList = nil
	}
	return ids, err
}

func newHookedService(t *testing.T, cfg Config) (*Service, *listHookStore, *fakeExec) {
	t.Helper()
	st := &listHookStore{Store: storage.NewMemory()}
	ex := newFakeExec()
	svc := New(cfg, Options{
		Store: st,
		Exec:  ex,
		Log:   logx.Nop(),
		Now:   func() time.Time { return t0 },
		NewID: seqIDs(),
	})
	return svc, st, ex
}

func TestSweepSkipsItemRescheduledAfterListing(t *testing.T) {
	ctx := context.Background()
	svc, st, ex := newHookedService(t, Config{})
	it := mustSchedule(t, svc, "u1", t0, "x")
	later := t0.Add(24 * time.Hour)
	st.afterList = func([]string) {
		if _, err := svc.Reschedule(ctx, "u1", it.ID, later); err != nil {
			t.Errorf("Reschedule: %v", err)
		}
	}

	rep, err := svc.RunDueSweep(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 1 || rep.Claimed != 0 || rep.Published != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if ex.callsFor(it.ID) != 0 {
		t.Fatal("rescheduled item was executed")
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != publish.StatusPending || !got.ScheduledTime.Equal(later) {
		t.Fatalf("item = %s at %s", got.Status, got.ScheduledTime)
	}

	if rep, _ := svc.RunDueSweep(ctx, later); rep.Published != 1 {
		t.Fatalf("not published at new slot: %+v", rep)
	}
}

func TestSweepSkipsItemBackedOffAfterListing(t *testing.T) {
	ctx := context.Background()
	svc, st, ex := newHookedService(t, Config{RetryBackoff: 10 * time.Minute})
	it := mustSchedule(t, svc, "u1", t0, "x")
	next := t0.Add(10 * time.Minute)

	// Another sweep claims the item and records a failed attempt with backoff
	// before this sweep gets to claim it.
	st.afterList = func([]string) {
		if _, err := st.Store.Transition(ctx, it.ID, storage.Transition{
			From: publish.StatusPending, To: publish.StatusPublishing, At: t0,
		}); err != nil {
			t.Errorf("claim: %v", err)
		}
		if _, err := st.Store.Transition(ctx, it.ID, storage.Transition{
			From: publish.StatusPublishing, To: publish.StatusPending, At: t0,
			RetryCount: 1, NextAttemptAt: next,
		}); err != nil {
			t.Errorf("back off: %v", err)
		}
	}

	rep, err := svc.RunDueSweep(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Claimed != 0 || ex.callsFor(it.ID) != 0 {
		t.Fatalf("claimed during backoff: report = %+v", rep)
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != publish.StatusPending || got.RetryCount != 1 || !got.NextAttemptAt.Equal(next) {
		t.Fatalf("item = %+v", got)
	}

	if rep, _ := svc.RunDueSweep(ctx, next); rep.Claimed != 1 {
		t.Fatalf("not claimed after backoff: %+v", rep)
	}
}
