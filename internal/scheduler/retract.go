package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"postflow/internal/connections"
	"postflow/internal/platform"
	"postflow/internal/publish"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// retraction removes posts left behind by partial attempts of a cancelled
// item. Each run only retries the platforms that have not been handled yet.
type retraction struct {
	svc    *Service
	userID string
	itemID string

	mu      sync.Mutex
	pending map[publish.PlatformID]string
}

func (s *Service) retract(ctx context.Context, userID, itemID string, posted map[publish.PlatformID]string) {
	if s.dir == nil || s.reg == nil {
		s.log.Warn("retraction skipped: no directory or registry", logx.String("item", itemID))
		return
	}
	r := &retraction{svc: s, userID: userID, itemID: itemID, pending: posted}

	if s.engine != nil && s.engine.Running() {
		err := s.engine.Enqueue(engine.Task{
			Name:    "retract:" + itemID,
			Timeout: s.Config().RetractTimeout,
			Run:     r.run,
			Opt:     engine.TaskOptions{RetryMax: 2},
		})
		if err == nil {
			return
		}
		s.log.Warn("retraction enqueue failed, running inline", logx.String("item", itemID), logx.Err(err))
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config().RetractTimeout)
	defer cancel()
	if err := r.run(rctx); err != nil {
		s.log.Warn("retraction incomplete",
			logx.String("item", itemID),
			logx.Bool("permanent", engine.IsNoRetry(err)),
			logx.Err(err),
		)
	}
}

func (r *retraction) run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	log := r.svc.log.With(logx.String("item", r.itemID), logx.String("user", r.userID))

	conns, err := r.svc.dir.UserConnections(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("resolve connections: %w", err)
	}
	active := connections.Active(conns)

	platforms := make([]publish.PlatformID, 0, len(r.pending))
	for p := range r.pending {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	// Skipped platforms are dropped for good; only failed calls are retried.
	var failed, skipped []error
	var wait time.Duration
	for _, p := range platforms {
		postID := r.pending[p]
		plog := log.With(logx.String("platform", string(p)), logx.String("post_id", postID))
		conn, ok := active[p]
		if !ok {
			plog.Warn("cannot retract: no active connection")
			delete(r.pending, p)
			skipped = append(skipped, fmt.Errorf("%s: %w", p, publish.ErrNoActiveConnections))
			continue
		}
		capa, err := r.svc.reg.Lookup(p)
		if err != nil {
			plog.Warn("cannot retract: platform not registered")
			delete(r.pending, p)
			skipped = append(skipped, fmt.Errorf("%s: %w", p, err))
			continue
		}
		err = capa.CancelScheduledPost(ctx, conn.Credentials, postID)
		var open *platform.OpenError
		switch {
		case err == nil:
			plog.Info("post retracted")
			delete(r.pending, p)
		case errors.Is(err, platform.ErrUnsupported):
			plog.Warn("platform cannot retract posts")
			delete(r.pending, p)
			skipped = append(skipped, fmt.Errorf("%s: %w", p, err))
		case errors.As(err, &open):
			plog.Warn("retract deferred: circuit open", logx.Time("until", open.Until))
			wait = max(wait, open.Until.Sub(r.svc.now()))
			failed = append(failed, fmt.Errorf("%s: %w", p, err))
		default:
			plog.Warn("retract failed", logx.Err(err))
			failed = append(failed, fmt.Errorf("%s: %w", p, err))
		}
	}
	switch {
	case len(failed) > 0 && wait > 0:
		return engine.RetryAfter(errors.Join(failed...), wait)
	case len(failed) > 0:
		return errors.Join(failed...)
	default:
		return engine.NoRetry(errors.Join(skipped...))
	}
}
