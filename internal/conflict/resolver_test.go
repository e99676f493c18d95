package conflict

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSlots struct {
	taken   map[string][]time.Time
	queries int
	err     error
}

func (f *fakeSlots) OccupiedSlots(_ context.Context, userID string, from, to time.Time, excludeID string) ([]time.Time, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	var out []time.Time
	for _, t := range f.taken[userID] {
		if !t.Before(from) && !t.After(to) {
			out = append(out, t)
		}
	}
	if excludeID != "" {
		// The fake keys exclusion by slot string for brevity.
		filtered := out[:0]
		for _, t := range out {
			if t.Format(time.RFC3339) != excludeID {
				filtered = append(filtered, t)
			}
		}
		out = filtered
	}
	return out, nil
}

var nine = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func TestPlaceSlot(t *testing.T) {
	tests := []struct {
		name      string
		taken     []time.Time
		candidate time.Time
		exclude   string
		accepted  bool
		suggested *time.Time
	}{
		{name: "free slot", candidate: nine, accepted: true},
		{name: "same slot suggests 09:15", taken: []time.Time{nine}, candidate: nine, suggested: ptr(nine.Add(15 * time.Minute))},
		{name: "seconds truncated onto taken slot", taken: []time.Time{nine}, candidate: nine.Add(42 * time.Second), suggested: ptr(nine.Add(15 * time.Minute))},
		{name: "skips occupied probes", taken: []time.Time{nine, nine.Add(15 * time.Minute), nine.Add(30 * time.Minute)}, candidate: nine, suggested: ptr(nine.Add(45 * time.Minute))},
		{name: "reschedule ignores itself", taken: []time.Time{nine}, candidate: nine, exclude: nine.Format(time.RFC3339), accepted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSlots{taken: map[string][]time.Time{"u1": tt.taken}}
			r := New(src, Config{})
			p, err := r.PlaceSlot(context.Background(), "u1", tt.candidate, tt.exclude)
			if err != nil {
				t.Fatalf("PlaceSlot: %v", err)
			}
			if p.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, want %v", p.Accepted, tt.accepted)
			}
			switch {
			case tt.suggested == nil && p.Suggested != nil:
				t.Fatalf("unexpected suggestion %v", p.Suggested)
			case tt.suggested != nil && (p.Suggested == nil || !p.Suggested.Equal(*tt.suggested)):
				t.Fatalf("Suggested = %v, want %v", p.Suggested, *tt.suggested)
			}
			if src.queries != 1 {
				t.Fatalf("queries = %d, want a single range query", src.queries)
			}
		})
	}
}

func TestPlaceSlotOtherUserDoesNotConflict(t *testing.T) {
	src := &fakeSlots{taken: map[string][]time.Time{"u2": {nine}}}
	p, err := New(src, Config{}).PlaceSlot(context.Background(), "u1", nine, "")
	if err != nil || !p.Accepted {
		t.Fatalf("PlaceSlot = %+v, %v", p, err)
	}
}

func TestPlaceSlotExhaustedProbes(t *testing.T) {
	taken := []time.Time{nine}
	for i := 1; i <= 3; i++ {
		taken = append(taken, nine.Add(time.Duration(i)*15*time.Minute))
	}
	src := &fakeSlots{taken: map[string][]time.Time{"u1": taken}}
	p, err := New(src, Config{MaxProbes: 3}).PlaceSlot(context.Background(), "u1", nine, "")
	if err != nil {
		t.Fatalf("PlaceSlot: %v", err)
	}
	if p.Accepted || p.Suggested != nil {
		t.Fatalf("expected conflict with no suggestion, got %+v", p)
	}
}

func TestPlaceSlotSourceError(t *testing.T) {
	boom := errors.New("db down")
	_, err := New(&fakeSlots{err: boom}, Config{}).PlaceSlot(context.Background(), "u1", nine, "")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }
