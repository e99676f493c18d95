package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"postflow/internal/publish"
)

// memoryStore keeps everything in process memory behind one mutex.
// It enforces the same CAS and slot-uniqueness rules as the SQL stores.
type memoryStore struct {
	mu sync.Mutex

	items    map[string]*publish.ScheduledItem
	contents map[string]publish.Content
	conns    map[string]map[publish.PlatformID]publish.PlatformConnection
	audit    []AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		items:    map[string]*publish.ScheduledItem{},
		contents: map[string]publish.Content{},
		conns:    map[string]map[publish.PlatformID]publish.PlatformConnection{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) slotTakenLocked(userID string, slot time.Time, excludeID string) bool {
	for _, it := range s.items {
		if it.ID == excludeID || it.UserID != userID || !it.Status.OccupiesSlot() {
			continue
		}
		if it.ScheduledTime.Equal(slot) {
			return true
		}
	}
	return false
}

func (s *memoryStore) CreateItem(ctx context.Context, item *publish.ScheduledItem, content publish.Content) error {
	_ = ctx
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("storage: item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("storage: duplicate item id %s", item.ID)
	}
	if item.Status.OccupiesSlot() && s.slotTakenLocked(item.UserID, item.ScheduledTime, "") {
		return publish.ErrSlotTaken
	}
	cp := item.Clone()
	cp.Platforms = publish.SortedPlatforms(cp.Platforms)
	s.contents[item.ContentRef] = content
	s.items[item.ID] = cp
	return nil
}

func (s *memoryStore) GetItem(ctx context.Context, id string) (*publish.ScheduledItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, publish.ErrNotFound
	}
	return it.Clone(), nil
}

func (s *memoryStore) ListItems(ctx context.Context, f ItemFilter) ([]*publish.ScheduledItem, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]*publish.ScheduledItem, 0, len(s.items))
	for _, it := range s.items {
		if f.UserID != "" && it.UserID != f.UserID {
			continue
		}
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		out = append(out, it.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) OccupiedSlots(ctx context.Context, userID string, from, to time.Time, excludeID string) ([]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, it := range s.items {
		if it.ID == excludeID || it.UserID != userID || !it.Status.OccupiesSlot() {
			continue
		}
		if it.ScheduledTime.Before(from) || it.ScheduledTime.After(to) {
			continue
		}
		out = append(out, it.ScheduledTime)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

func (s *memoryStore) DueItems(ctx context.Context, now time.Time, limit int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	due := make([]*publish.ScheduledItem, 0)
	for _, it := range s.items {
		if it.Status == publish.StatusPending && !it.NextAttemptAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	ids := make([]string, 0, len(due))
	for _, it := range due {
		ids = append(ids, it.ID)
	}
	s.mu.Unlock()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memoryStore) StuckItems(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	var ids []string
	for _, it := range s.items {
		if it.Status == publish.StatusPublishing && it.ClaimedAt != nil && it.ClaimedAt.Before(claimedBefore) {
			ids = append(ids, it.ID)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memoryStore) Transition(ctx context.Context, id string, t Transition) (*publish.ScheduledItem, error) {
	_ = ctx
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || (t.UserID != "" && it.UserID != t.UserID) {
		return nil, publish.ErrNotFound
	}
	if it.Status != t.From {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", publish.ErrStaleState, id, it.Status, t.From)
	}
	if !t.DueBy.IsZero() && it.NextAttemptAt.After(t.DueBy) {
		return nil, fmt.Errorf("%w: %s not due until %s", publish.ErrStaleState, id, it.NextAttemptAt.Format(time.RFC3339))
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	it.Status = t.To
	it.UpdatedAt = at
	if t.To == publish.StatusPublishing {
		claimed := at
		it.ClaimedAt = &claimed
	}
	if t.From == publish.StatusPublishing {
		it.RetryCount = t.RetryCount
		it.FailureReason = t.FailureReason
		if !t.NextAttemptAt.IsZero() {
			it.NextAttemptAt = t.NextAttemptAt
		}
	}
	it.PublishResults = append(it.PublishResults, t.Results...)
	return it.Clone(), nil
}

func (s *memoryStore) Reschedule(ctx context.Context, id, userID string, slot time.Time, at time.Time) (*publish.ScheduledItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || (userID != "" && it.UserID != userID) {
		return nil, publish.ErrNotFound
	}
	if it.Status != publish.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", publish.ErrNotPending, id, it.Status)
	}
	if s.slotTakenLocked(it.UserID, slot, id) {
		return nil, publish.ErrSlotTaken
	}
	if at.IsZero() {
		at = time.Now()
	}
	it.ScheduledTime = slot
	it.NextAttemptAt = slot
	it.UpdatedAt = at
	return it.Clone(), nil
}

func (s *memoryStore) GetContent(ctx context.Context, ref string) (publish.Content, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[ref]
	if !ok {
		return publish.Content{}, publish.ErrNotFound
	}
	return c, nil
}

// DeleteContent drops a content payload. Only the memory store exposes this; tests
// use it to simulate content removed by an external system.
func DeleteContent(st Store, ref string) bool {
	m, ok := st.(*memoryStore)
	if !ok {
		return false
	}
	m.mu.Lock()
	delete(m.contents, ref)
	m.mu.Unlock()
	return true
}

func (s *memoryStore) PutConnection(ctx context.Context, userID string, c publish.PlatformConnection) error {
	_ = ctx
	c.Platform = c.Platform.Normalize()
	if c.Platform == "" {
		return fmt.Errorf("storage: connection platform required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.conns[userID]
	if m == nil {
		m = map[publish.PlatformID]publish.PlatformConnection{}
		s.conns[userID] = m
	}
	c.Credentials = slices.Clone(c.Credentials)
	m[c.Platform] = c
	return nil
}

func (s *memoryStore) UserConnections(ctx context.Context, userID string) ([]publish.PlatformConnection, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.conns[userID]
	out := make([]publish.PlatformConnection, 0, len(m))
	for _, c := range m {
		c.Credentials = slices.Clone(c.Credentials)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AuditEntries(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if userID != "" && e.UserID != userID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
