package platform

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

type fakeCap struct {
	publish func(ctx context.Context) (Receipt, error)
	calls   atomic.Int32
}

func (f *fakeCap) ValidateContent(context.Context, publish.Content) publish.ValidationResult {
	panic("validator bug")
}

func (f *fakeCap) Publish(ctx context.Context, _ []byte, _ publish.Content) (Receipt, error) {
	f.calls.Add(1)
	return f.publish(ctx)
}

func (f *fakeCap) CancelScheduledPost(context.Context, []byte, string) error { return nil }

func (f *fakeCap) GetAccountInfo(context.Context, []byte) (publish.AccountInfo, error) {
	return publish.AccountInfo{Username: "u"}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(" Telegram ", &fakeCap{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("", &fakeCap{}); err == nil {
		t.Fatal("empty id accepted")
	}
	if _, err := r.Lookup("TELEGRAM"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := r.Lookup("myspace"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Lookup unknown = %v", err)
	}
	if got := r.Platforms(); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("Platforms = %v", got)
	}
}

func TestGuardTimeout(t *testing.T) {
	f := &fakeCap{publish: func(ctx context.Context) (Receipt, error) {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}}
	g := NewGuard("slow", f, GuardConfig{Timeout: 20 * time.Millisecond, Breaker: BreakerConfig{TripFailures: -1}}, logx.Nop())
	_, err := g.Publish(context.Background(), nil, publish.Content{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Publish = %v, want ErrTimeout", err)
	}
}

func TestGuardRecoversPanics(t *testing.T) {
	f := &fakeCap{publish: func(context.Context) (Receipt, error) { panic("boom") }}
	g := NewGuard("p", f, GuardConfig{}, logx.Nop())
	if _, err := g.Publish(context.Background(), nil, publish.Content{}); err == nil {
		t.Fatal("panic not turned into error")
	}
	if vr := g.ValidateContent(context.Background(), publish.Content{}); vr.Valid || len(vr.Errors) != 1 {
		t.Fatalf("validator panic = %+v", vr)
	}
}

// slowValidator blocks validation until its context ends.
type slowValidator struct{ fakeCap }

func (s *slowValidator) ValidateContent(ctx context.Context, _ publish.Content) publish.ValidationResult {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return publish.ValidationResult{Valid: true}
}

func TestGuardValidateTimeout(t *testing.T) {
	g := NewGuard("slow", &slowValidator{}, GuardConfig{Timeout: 20 * time.Millisecond}, logx.Nop())
	start := time.Now()
	vr := g.ValidateContent(context.Background(), publish.Content{Text: "hi"})
	if vr.Valid || len(vr.Errors) != 1 || !strings.Contains(vr.Errors[0], "timed out") {
		t.Fatalf("validate = %+v", vr)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("validate not bounded: %s", took)
	}
}

func TestGuardCircuitOpensAndCloses(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fail := true
	f := &fakeCap{publish: func(context.Context) (Receipt, error) {
		if fail {
			return Receipt{}, errors.New("503")
		}
		return Receipt{PostID: "1"}, nil
	}}
	cfg := GuardConfig{Breaker: BreakerConfig{TripFailures: 2, BaseDelay: time.Minute, MaxDelay: time.Hour}}
	g := NewGuard("p", f, cfg, logx.Nop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Publish(ctx, nil, publish.Content{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := g.Publish(ctx, nil, publish.Content{})
	var oe *OpenError
	if !errors.Is(err, ErrCircuitOpen) || !errors.As(err, &oe) || !oe.Until.Equal(now.Add(time.Minute)) {
		t.Fatalf("third call = %v, want ErrCircuitOpen until %s", err, now.Add(time.Minute))
	}
	if f.calls.Load() != 2 {
		t.Fatalf("open circuit still reached platform: %d calls", f.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	fail = false
	if _, err := g.Publish(ctx, nil, publish.Content{}); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
	if open, _ := g.breaker.Open(now); open {
		t.Fatal("success should close the circuit")
	}
}

type recorder struct{ ops []string }

func (r *recorder) ObservePlatformCall(_ publish.PlatformID, op string, _ time.Duration, _ error) {
	r.ops = append(r.ops, op)
}

func TestGuardRateLimitAndObserver(t *testing.T) {
	f := &fakeCap{publish: func(context.Context) (Receipt, error) { return Receipt{PostID: "x"}, nil }}
	rec := &recorder{}
	g := NewGuard("p", f, GuardConfig{RatePerSecond: 1000, Burst: 1}, logx.Nop(), WithObserver(rec))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := g.Publish(ctx, nil, publish.Content{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if _, err := g.GetAccountInfo(ctx, nil); err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if len(rec.ops) != 4 || rec.ops[3] != "account_info" {
		t.Fatalf("observed ops = %v", rec.ops)
	}
}
