// Package trigger fires named jobs on cron or interval schedules and hands
// them to the task engine. It never runs jobs itself.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// Enqueuer is the part of the engine the trigger needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type job struct {
	name     string
	schedule Schedule
	timeout  time.Duration
	run      func(ctx context.Context) error
	entry    cron.EntryID
}

// Entry describes a registered job.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   map[string]*job

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(eng Enqueuer, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		log:      log.With(logx.String("comp", "trigger")),
		engine:   eng,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      loc,
		jobs:     map[string]*job{},
		lastWarn: map[string]time.Time{},
	}
}

// Register upserts a job by name. On a running trigger it is scheduled at once.
func (s *Service) Register(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if run == nil {
		return errors.New("job func required")
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sc.Spec()); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entry)
	}
	j := &job{name: name, schedule: sc, timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		return s.addLocked(j)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) addLocked(j *job) error {
	id, err := s.c.AddFunc(j.schedule.Spec(), func() { s.fire(j) })
	if err != nil {
		return err
	}
	j.entry = id
	s.log.Debug("job registered", logx.String("job", j.name), logx.String("schedule", j.schedule.Spec()), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Service) fire(j *job) {
	err := s.engine.Enqueue(engine.Task{
		Name:    j.name,
		Timeout: j.timeout,
		Run:     j.run,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("job still running, tick skipped", logx.String("job", j.name))
	default:
		s.warnThrottled(j.name, err)
	}
}

func (s *Service) warnThrottled(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if now.Sub(last) < time.Minute {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("job enqueue failed", logx.String("job", name), logx.Err(err))
}

// SetLocation changes the cron timezone, re-registering jobs if running.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	running := s.c != nil
	s.mu.Unlock()
	if running {
		s.Stop(context.Background())
		s.Start(context.Background())
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.addLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts ticking and waits for in-progress fire callbacks, not for jobs.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Schedule: j.schedule.Spec()}
		if s.c != nil {
			ce := s.c.Entry(j.entry)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
