// Package eventbus is the in-process fan-out for publishing engine events.
//
// Publish never blocks. Each subscriber owns a buffered channel; when it falls
// behind, further events for it are dropped and counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the engine.
const (
	TypePublishSucceeded  = "publish.succeeded"
	TypeItemScheduled     = "item.scheduled"
	TypeItemStatusChanged = "item.status_changed"
	TypeSweepCompleted    = "sweep.completed"
	TypeConfigReloaded    = "config.reloaded"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// PublishSucceeded is the Data of TypePublishSucceeded.
type PublishSucceeded struct {
	UserID         string
	ItemID         string // empty for publish-now
	Platform       string
	PlatformPostID string
	PlatformURL    string
	At             time.Time
}

// ItemStatusChanged is the Data of TypeItemScheduled and TypeItemStatusChanged.
type ItemStatusChanged struct {
	ItemID     string
	UserID     string
	From       string
	To         string
	RetryCount int
	Reason     string
}

// SweepCompleted is the Data of TypeSweepCompleted.
type SweepCompleted struct {
	Due       int
	Claimed   int
	Published int
	Retrying  int
	Failed    int
	Recovered int
	Took      time.Duration
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the listed types, or all events when none are listed.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

// deliver tolerates a concurrent unsubscribe closing the channel.
func (b *memBus) deliver(s *sub, e Event) {
	defer func() { _ = recover() }()
	select {
	case s.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
