package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

var (
	ErrCircuitOpen = errors.New("platform circuit open")
	ErrTimeout     = errors.New("platform call timed out")
)

// OpenError is returned while a platform's breaker rejects calls. It matches
// ErrCircuitOpen.
type OpenError struct {
	Platform publish.PlatformID
	Until    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s until %s", ErrCircuitOpen, e.Platform, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// GuardConfig bounds calls to one platform.
type GuardConfig struct {
	// Timeout caps every outbound call. Zero means 30s.
	Timeout time.Duration
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
	Breaker       BreakerConfig
}

// Observer receives one callback per guarded outbound call.
type Observer interface {
	ObservePlatformCall(platform publish.PlatformID, op string, took time.Duration, err error)
}

// Guard wraps a Capability with a per-call timeout, a rate limiter, a circuit
// breaker and panic recovery. It implements Capability itself.
type Guard struct {
	id      publish.PlatformID
	inner   Capability
	timeout time.Duration
	limiter *rate.Limiter
	breaker *breaker
	obs     Observer
	log     logx.Logger
	now     func() time.Time
}

type GuardOption func(*Guard)

func WithObserver(o Observer) GuardOption { return func(g *Guard) { g.obs = o } }

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(id publish.PlatformID, inner Capability, cfg GuardConfig, log logx.Logger, opts ...GuardOption) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{
		id:      id.Normalize(),
		inner:   inner,
		timeout: cfg.Timeout,
		breaker: newBreaker(cfg.Breaker),
		log:     log.With(logx.String("platform", string(id.Normalize()))),
		now:     time.Now,
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// call runs fn under the guard. Everything fn does must honor ctx.
func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	start := g.now()
	defer func() {
		if g.obs != nil {
			g.obs.ObservePlatformCall(g.id, op, time.Since(start), err)
		}
	}()

	if open, until := g.breaker.Open(start); open {
		return &OpenError{Platform: g.id, Until: until}
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if werr := g.limiter.Wait(cctx); werr != nil {
			return g.classify(cctx, fmt.Errorf("rate limit wait: %w", werr))
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("platform call panicked",
					logx.String("op", op),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				done <- fmt.Errorf("platform %s %s panicked: %v", g.id, op, r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}
	err = g.classify(cctx, err)
	if ctx.Err() == nil {
		// Caller cancellation says nothing about platform health.
		g.breaker.Record(g.now(), err)
	}
	return err
}

func (g *Guard) classify(cctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, g.timeout, g.id)
	}
	return err
}

// ValidateContent runs locally, so it skips the limiter and the breaker. It is
// still bounded by the call timeout and protected against panics.
func (g *Guard) ValidateContent(ctx context.Context, c publish.Content) publish.ValidationResult {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan publish.ValidationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("validation panicked", logx.Any("panic", r))
				done <- publish.Invalid(fmt.Sprintf("validator panicked: %v", r))
			}
		}()
		done <- g.inner.ValidateContent(cctx, c)
	}()

	select {
	case vr := <-done:
		return vr
	case <-cctx.Done():
		if ctx.Err() != nil {
			return publish.Invalid(fmt.Sprintf("validation cancelled: %v", ctx.Err()))
		}
		g.log.Warn("validation timed out", logx.Duration("timeout", g.timeout))
		return publish.Invalid(fmt.Sprintf("validation timed out after %s", g.timeout))
	}
}

func (g *Guard) Publish(ctx context.Context, creds []byte, c publish.Content) (Receipt, error) {
	var rc Receipt
	err := g.call(ctx, "publish", func(ctx context.Context) error {
		r, err := g.inner.Publish(ctx, creds, c)
		rc = r
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	return rc, nil
}

func (g *Guard) CancelScheduledPost(ctx context.Context, creds []byte, postID string) error {
	return g.call(ctx, "cancel", func(ctx context.Context) error {
		return g.inner.CancelScheduledPost(ctx, creds, postID)
	})
}

func (g *Guard) GetAccountInfo(ctx context.Context, creds []byte) (publish.AccountInfo, error) {
	var info publish.AccountInfo
	err := g.call(ctx, "account_info", func(ctx context.Context) error {
		i, err := g.inner.GetAccountInfo(ctx, creds)
		info = i
		return err
	})
	if err != nil {
		return publish.AccountInfo{}, err
	}
	return info, nil
}
