// Package scheduler owns the lifecycle of scheduled items: it places them in
// free slots, claims due items exactly once, runs them through the publish
// orchestrator and records the outcome with retry bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postflow/internal/conflict"
	"postflow/internal/connections"
	"postflow/internal/eventbus"
	"postflow/internal/metrics"
	"postflow/internal/orchestrator"
	"postflow/internal/platform"
	"postflow/internal/publish"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/trigger"
	logx "postflow/pkg/logx"
)

// ErrInvalidRequest rejects a schedule call missing a user, text or platforms.
var ErrInvalidRequest = errors.New("invalid schedule request")

const (
	jobSweep   = "scheduler.sweep"
	jobRecover = "scheduler.recover"
)

type Config struct {
	SweepSchedule    string
	RecoverySchedule string

	MaxRetries int
	// RetryBackoff defers the next attempt by RetryBackoff*retryCount. Zero
	// retries on the next sweep.
	RetryBackoff time.Duration
	BatchSize    int
	// Concurrency bounds how many claimed items one sweep executes at once.
	Concurrency int
	// StuckAfter is how long an item may stay publishing before recovery takes it back.
	StuckAfter time.Duration

	SweepTimeout   time.Duration
	RetractTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = "30s"
	}
	if strings.TrimSpace(c.RecoverySchedule) == "" {
		c.RecoverySchedule = "5m"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	if c.RetractTimeout <= 0 {
		c.RetractTimeout = time.Minute
	}
	return c
}

// Executor runs one execution attempt. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) ([]publish.PublishResult, error)
}

type Options struct {
	Store    storage.Store
	Resolver *conflict.Resolver
	Exec     Executor

	// Directory and Registry resolve credentials and capabilities for retractions.
	Directory connections.Directory
	Registry  *platform.Registry

	// Engine and Trigger are optional. Without a trigger Start is a no-op and
	// sweeps are driven by the caller.
	Engine  *engine.Service
	Trigger *trigger.Service

	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
	NewID   func() string
}

type Service struct {
	cfg      atomic.Pointer[Config]
	store    storage.Store
	resolver *conflict.Resolver
	exec     Executor
	dir      connections.Directory
	reg      *platform.Registry
	engine   *engine.Service
	trigger  *trigger.Service
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	started bool
}

func New(cfg Config, opt Options) *Service {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = func() string { return uuid.NewString() }
	}
	if opt.Resolver == nil {
		opt.Resolver = conflict.New(opt.Store, conflict.Config{})
	}
	s := &Service{
		store:    opt.Store,
		resolver: opt.Resolver,
		exec:     opt.Exec,
		dir:      opt.Directory,
		reg:      opt.Registry,
		engine:   opt.Engine,
		trigger:  opt.Trigger,
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		log:      opt.Log.With(logx.String("comp", "scheduler")),
		now:      opt.Now,
		newID:    opt.NewID,
	}
	c := cfg.withDefaults()
	s.cfg.Store(&c)
	return s
}

func (s *Service) Config() Config { return *s.cfg.Load() }

// Apply swaps the config. Running jobs are re-registered when a schedule or
// the sweep timeout changed; items in flight finish under the old values.
func (s *Service) Apply(cfg Config) error {
	c := cfg.withDefaults()
	prev := s.cfg.Swap(&c)
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started || (prev.SweepSchedule == c.SweepSchedule &&
		prev.RecoverySchedule == c.RecoverySchedule &&
		prev.SweepTimeout == c.SweepTimeout) {
		return nil
	}
	if err := s.register(c); err != nil {
		s.cfg.Store(prev)
		_ = s.register(*prev)
		return err
	}
	return nil
}

// Schedule reserves a slot for content and persists a pending item. An occupied
// slot yields a *publish.ConflictError carrying the nearest free slot.
func (s *Service) Schedule(ctx context.Context, userID string, content publish.Content, platforms []publish.PlatformID, at time.Time) (*publish.ScheduledItem, error) {
	userID = strings.TrimSpace(userID)
	platforms = publish.SortedPlatforms(platforms)
	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	case len(platforms) == 0:
		return nil, fmt.Errorf("%w: at least one platform required", ErrInvalidRequest)
	case strings.TrimSpace(content.Text) == "" && len(content.MediaURLs) == 0:
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidRequest)
	case at.IsZero():
		return nil, fmt.Errorf("%w: scheduled time required", ErrInvalidRequest)
	}

	pl, err := s.resolver.PlaceSlot(ctx, userID, at, "")
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !pl.Accepted {
		s.metrics.ObserveConflict()
		return nil, &publish.ConflictError{Requested: pl.Slot, Suggested: pl.Suggested}
	}

	now := s.now().UTC()
	item := &publish.ScheduledItem{
		ID:            s.newID(),
		UserID:        userID,
		ContentRef:    s.newID(),
		Platforms:     platforms,
		ScheduledTime: pl.Slot,
		NextAttemptAt: pl.Slot,
		Status:        publish.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateItem(ctx, item, content); err != nil {
		if errors.Is(err, publish.ErrSlotTaken) {
			return nil, s.lostSlotRace(ctx, userID, pl.Slot, "")
		}
		return nil, fmt.Errorf("create item: %w", err)
	}

	s.log.Info("item scheduled",
		logx.String("item", item.ID),
		logx.String("user", userID),
		logx.Time("slot", item.ScheduledTime),
		logx.Any("platforms", item.Platforms),
	)
	s.emit(eventbus.TypeItemScheduled, eventbus.ItemStatusChanged{ItemID: item.ID, UserID: userID, To: string(publish.StatusPending)})
	return item, nil
}

// lostSlotRace builds the conflict for a write rejected by the uniqueness
// constraint, with a suggestion computed after the winner landed.
func (s *Service) lostSlotRace(ctx context.Context, userID string, slot time.Time, excludeID string) error {
	s.metrics.ObserveConflict()
	ce := &publish.ConflictError{Requested: slot}
	if pl, err := s.resolver.PlaceSlot(ctx, userID, slot, excludeID); err == nil {
		if pl.Accepted {
			ce.Suggested = &pl.Slot
		} else {
			ce.Suggested = pl.Suggested
		}
	}
	s.log.Debug("slot lost to concurrent write", logx.String("user", userID), logx.Time("slot", slot))
	return ce
}

// Reschedule moves a pending item to a new slot, ignoring the item's own slot
// in the conflict check.
func (s *Service) Reschedule(ctx context.Context, userID, itemID string, at time.Time) (*publish.ScheduledItem, error) {
	it, err := s.Item(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if it.Status != publish.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", publish.ErrNotPending, itemID, it.Status)
	}
	pl, err := s.resolver.PlaceSlot(ctx, userID, at, itemID)
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !pl.Accepted {
		s.metrics.ObserveConflict()
		return nil, &publish.ConflictError{Requested: pl.Slot, Suggested: pl.Suggested}
	}
	updated, err := s.store.Reschedule(ctx, itemID, userID, pl.Slot, s.now().UTC())
	if err != nil {
		if errors.Is(err, publish.ErrSlotTaken) {
			return nil, s.lostSlotRace(ctx, userID, pl.Slot, itemID)
		}
		return nil, err
	}
	s.log.Info("item rescheduled", logx.String("item", itemID), logx.Time("from", it.ScheduledTime), logx.Time("to", pl.Slot))
	return updated, nil
}

// Cancel moves a pending item owned by userID to cancelled. Any other state or
// owner returns false with publish.ErrNotCancellable. Posts already recorded by
// earlier partial attempts are retracted on a best-effort basis.
func (s *Service) Cancel(ctx context.Context, userID, itemID string) (bool, error) {
	it, err := s.store.Transition(ctx, itemID, storage.Transition{
		From:   publish.StatusPending,
		To:     publish.StatusCancelled,
		At:     s.now().UTC(),
		UserID: userID,
	})
	switch {
	case errors.Is(err, publish.ErrStaleState), errors.Is(err, publish.ErrNotFound):
		return false, fmt.Errorf("%w: %w", publish.ErrNotCancellable, err)
	case err != nil:
		return false, err
	}
	s.metrics.ObserveTransition(publish.StatusCancelled)
	s.emit(eventbus.TypeItemStatusChanged, eventbus.ItemStatusChanged{
		ItemID: it.ID, UserID: it.UserID,
		From: string(publish.StatusPending), To: string(publish.StatusCancelled),
		RetryCount: it.RetryCount,
	})
	s.log.Info("item cancelled", logx.String("item", itemID), logx.String("user", userID))

	if posted := it.PostedIDs(); len(posted) > 0 {
		s.retract(ctx, it.UserID, it.ID, posted)
	}
	return true, nil
}

// Item returns one item owned by userID. Items of other users are reported as
// not found.
func (s *Service) Item(ctx context.Context, userID, itemID string) (*publish.ScheduledItem, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it.UserID != userID {
		return nil, publish.ErrNotFound
	}
	return it, nil
}

type ItemFilter struct {
	Status publish.Status
	Limit  int
}

func (s *Service) Items(ctx context.Context, userID string, f ItemFilter) ([]*publish.ScheduledItem, error) {
	return s.store.ListItems(ctx, storage.ItemFilter{UserID: userID, Status: f.Status, Limit: f.Limit})
}

// Start registers the periodic sweep and recovery jobs with the trigger.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	if s.trigger == nil {
		return nil
	}
	cfg := s.Config()
	if err := s.register(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.log.Info("scheduler started",
		logx.String("sweep", cfg.SweepSchedule),
		logx.String("recovery", cfg.RecoverySchedule),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Duration("retry_backoff", cfg.RetryBackoff),
	)
	return nil
}

// register upserts both trigger jobs.
func (s *Service) register(cfg Config) error {
	if err := s.trigger.Register(jobSweep, cfg.SweepSchedule, cfg.SweepTimeout, func(ctx context.Context) error {
		_, err := s.RunDueSweep(ctx, s.now())
		return err
	}); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	if err := s.trigger.Register(jobRecover, cfg.RecoverySchedule, cfg.SweepTimeout, func(ctx context.Context) error {
		_, err := s.RecoverStuck(ctx, s.now())
		return err
	}); err != nil {
		s.trigger.Remove(jobSweep)
		return fmt.Errorf("register recovery: %w", err)
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if s.trigger == nil || !started {
		return
	}
	s.trigger.Remove(jobSweep)
	s.trigger.Remove(jobRecover)
	s.log.Info("scheduler stopped")
}

func (s *Service) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
