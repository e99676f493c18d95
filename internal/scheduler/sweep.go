package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"postflow/internal/eventbus"
	"postflow/internal/orchestrator"
	"postflow/internal/publish"
	"postflow/internal/storage"
	logx "postflow/pkg/logx"
)

// SweepReport counts what one sweep or recovery pass did.
type SweepReport struct {
	Due       int           `json:"due"`
	Claimed   int           `json:"claimed"`
	Published int           `json:"published"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	Recovered int           `json:"recovered"`
	Took      time.Duration `json:"took"`
}

type tally struct {
	mu  sync.Mutex
	rep SweepReport
}

func (t *tally) add(fn func(r *SweepReport)) {
	t.mu.Lock()
	fn(&t.rep)
	t.mu.Unlock()
}

func (t *tally) count(to publish.Status) {
	t.add(func(r *SweepReport) {
		switch to {
		case publish.StatusPublished:
			r.Published++
		case publish.StatusPending:
			r.Retrying++
		case publish.StatusFailed:
			r.Failed++
		}
	})
}

// RunDueSweep claims and executes every pending item due at now, up to the
// batch size. A lost claim means another sweep owns the item and is skipped.
func (s *Service) RunDueSweep(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()
	cfg := s.Config()
	ids, err := s.store.DueItems(ctx, now, cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list due items: %w", err)
	}
	t := &tally{rep: SweepReport{Due: len(ids)}}
	if len(ids) == 0 {
		return t.rep, nil
	}

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			s.runItem(ctx, id, now, t)
			return nil
		})
	}
	_ = g.Wait()

	t.rep.Took = time.Since(start)
	s.finishSweep(t.rep)
	return t.rep, nil
}

func (s *Service) finishSweep(rep SweepReport) {
	s.metrics.ObserveSweep(rep.Took, map[string]int{
		"claimed":   rep.Claimed,
		"published": rep.Published,
		"retrying":  rep.Retrying,
		"failed":    rep.Failed,
		"recovered": rep.Recovered,
	})
	s.emit(eventbus.TypeSweepCompleted, eventbus.SweepCompleted(rep))
	if rep.Claimed > 0 || rep.Recovered > 0 {
		s.log.Info("sweep completed",
			logx.Int("due", rep.Due),
			logx.Int("claimed", rep.Claimed),
			logx.Int("published", rep.Published),
			logx.Int("retrying", rep.Retrying),
			logx.Int("failed", rep.Failed),
			logx.Int("recovered", rep.Recovered),
			logx.Duration("took", rep.Took),
		)
	}
}

// runItem claims id only if it is still due at now, since the item may have
// been rescheduled or backed off after it was listed.
func (s *Service) runItem(ctx context.Context, id string, now time.Time, t *tally) {
	log := s.log.With(logx.String("item", id))
	item, err := s.store.Transition(ctx, id, storage.Transition{
		From:  publish.StatusPending,
		To:    publish.StatusPublishing,
		At:    s.now().UTC(),
		DueBy: now,
	})
	if err != nil {
		if !errors.Is(err, publish.ErrStaleState) {
			log.Warn("claim failed", logx.Err(err))
		}
		return
	}
	t.add(func(r *SweepReport) { r.Claimed++ })
	s.metrics.ObserveTransition(publish.StatusPublishing)

	// The outcome must land even if the sweep is cancelled mid-flight, or the
	// claim would sit until recovery.
	wctx := context.WithoutCancel(ctx)

	content, err := s.store.GetContent(ctx, item.ContentRef)
	if err != nil {
		if !errors.Is(err, publish.ErrNotFound) {
			// Transient read failure: give the claim back without counting an attempt.
			log.Warn("content read failed", logx.Err(err))
			s.finish(wctx, item, storage.Transition{To: publish.StatusPending, RetryCount: item.RetryCount}, t)
			return
		}
		log.Warn("content missing", logx.String("content_ref", item.ContentRef))
		s.finish(wctx, item, storage.Transition{
			To:            publish.StatusFailed,
			RetryCount:    item.RetryCount,
			FailureReason: publish.ReasonContentMissing,
		}, t)
		return
	}

	attempt := item.RetryCount + 1
	targets := remainingPlatforms(item)
	results, err := s.exec.Execute(ctx, orchestrator.Request{
		UserID:    item.UserID,
		ItemID:    item.ID,
		Attempt:   attempt,
		Platforms: targets,
		Content:   content,
	})
	switch {
	case errors.Is(err, publish.ErrNoActiveConnections):
		results = orchestrator.FailedResults(targets, publish.KindNoActiveConnection, err.Error(), attempt)
	case err != nil:
		results = orchestrator.FailedResults(targets, publish.KindPublishFailed, err.Error(), attempt)
	}

	cfg := s.Config()
	out := publish.Decide(results, item.RetryCount, cfg.MaxRetries)
	tr := storage.Transition{
		To:            out.Status,
		RetryCount:    out.RetryCount,
		FailureReason: out.FailureReason,
		Results:       results,
	}
	if out.Status == publish.StatusPending {
		tr.NextAttemptAt = s.now().UTC().Add(cfg.RetryBackoff * time.Duration(out.RetryCount))
	}
	s.finish(wctx, item, tr, t)
}

// finish writes the outcome of a claimed item. From is always publishing.
func (s *Service) finish(ctx context.Context, item *publish.ScheduledItem, tr storage.Transition, t *tally) bool {
	tr.From = publish.StatusPublishing
	tr.At = s.now().UTC()
	updated, err := s.store.Transition(ctx, item.ID, tr)
	if err != nil {
		s.log.Error("outcome write failed",
			logx.String("item", item.ID),
			logx.String("to", string(tr.To)),
			logx.Err(err),
		)
		return false
	}
	t.count(tr.To)
	s.metrics.ObserveTransition(tr.To)
	s.emit(eventbus.TypeItemStatusChanged, eventbus.ItemStatusChanged{
		ItemID:     updated.ID,
		UserID:     updated.UserID,
		From:       string(publish.StatusPublishing),
		To:         string(updated.Status),
		RetryCount: updated.RetryCount,
		Reason:     string(updated.FailureReason),
	})

	fields := []logx.Field{
		logx.String("item", updated.ID),
		logx.String("status", string(updated.Status)),
		logx.Int("retry_count", updated.RetryCount),
	}
	switch updated.Status {
	case publish.StatusFailed:
		s.log.Warn("item failed", append(fields, logx.String("reason", string(updated.FailureReason)))...)
	case publish.StatusPending:
		s.log.Info("item will retry", append(fields, logx.Time("next_attempt_at", updated.NextAttemptAt))...)
	default:
		s.log.Info("item published", fields...)
	}
	return true
}

// remainingPlatforms drops platforms that already succeeded in an earlier
// attempt, so a retry does not post twice.
func remainingPlatforms(item *publish.ScheduledItem) []publish.PlatformID {
	done := map[publish.PlatformID]bool{}
	for _, r := range item.PublishResults {
		if r.Success {
			done[r.Platform] = true
		}
	}
	out := make([]publish.PlatformID, 0, len(item.Platforms))
	for _, p := range item.Platforms {
		if !done[p] {
			out = append(out, p)
		}
	}
	return out
}

// RecoverStuck takes back items whose claim is older than StuckAfter. The
// interrupted run counts as a failed attempt.
func (s *Service) RecoverStuck(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()
	cfg := s.Config()
	ids, err := s.store.StuckItems(ctx, now.Add(-cfg.StuckAfter), cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stuck items: %w", err)
	}
	t := &tally{}
	for _, id := range ids {
		item, err := s.store.GetItem(ctx, id)
		if err != nil {
			s.log.Warn("stuck item read failed", logx.String("item", id), logx.Err(err))
			continue
		}
		if item.Status != publish.StatusPublishing {
			continue
		}
		attempt := item.RetryCount + 1
		out := publish.DecideInterrupted(item.RetryCount, cfg.MaxRetries)
		tr := storage.Transition{
			To:            out.Status,
			RetryCount:    out.RetryCount,
			FailureReason: out.FailureReason,
			Results: orchestrator.FailedResults(remainingPlatforms(item), publish.KindPublishFailed,
				"execution interrupted: claim expired", attempt),
		}
		if out.Status == publish.StatusPending {
			tr.NextAttemptAt = s.now().UTC().Add(cfg.RetryBackoff * time.Duration(out.RetryCount))
		}
		if s.finish(ctx, item, tr, t) {
			t.add(func(r *SweepReport) { r.Recovered++ })
		}
	}
	t.rep.Took = time.Since(start)
	if t.rep.Recovered > 0 {
		s.finishSweep(t.rep)
	}
	return t.rep, nil
}
