package storage

import (
	"context"
	"errors"
	"time"

	"postflow/internal/publish"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store (tests, dry runs); nothing survives a restart
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq (DSN required)
type Config struct {
	Driver       string
	Path         string        // sqlite file path
	DSN          string        // postgres connection string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// Store is the persistence boundary of the publishing engine.
//
// Every status change goes through Transition, which is a compare-and-set on the
// current status and rejects moves the item state machine does not allow.
type Store interface {
	// CreateItem persists content and item atomically. A clash with another active
	// item of the same user at the same slot returns publish.ErrSlotTaken.
	CreateItem(ctx context.Context, item *publish.ScheduledItem, content publish.Content) error
	GetItem(ctx context.Context, id string) (*publish.ScheduledItem, error)
	ListItems(ctx context.Context, f ItemFilter) ([]*publish.ScheduledItem, error)

	// OccupiedSlots returns slots in [from, to] held by active items of userID,
	// ignoring excludeID.
	OccupiedSlots(ctx context.Context, userID string, from, to time.Time, excludeID string) ([]time.Time, error)

	// DueItems lists ids of pending items whose next attempt is at or before now.
	DueItems(ctx context.Context, now time.Time, limit int) ([]string, error)
	// StuckItems lists ids of publishing items claimed before claimedBefore.
	StuckItems(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error)

	Transition(ctx context.Context, id string, t Transition) (*publish.ScheduledItem, error)
	// Reschedule moves a pending item to a new slot (CAS on pending + owner).
	Reschedule(ctx context.Context, id, userID string, slot time.Time, at time.Time) (*publish.ScheduledItem, error)

	GetContent(ctx context.Context, ref string) (publish.Content, error)

	PutConnection(ctx context.Context, userID string, c publish.PlatformConnection) error
	UserConnections(ctx context.Context, userID string) ([]publish.PlatformConnection, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditEntries(ctx context.Context, userID string, limit int) ([]AuditEntry, error)

	Close() error
}

// Transition is a conditional status change of one item.
type Transition struct {
	From publish.Status
	To   publish.Status
	At   time.Time

	// UserID, when set, requires the item to belong to this user.
	UserID string
	// DueBy, when set, requires the item's next attempt to be at or before it.
	// A claim made after the item was listed fails if it was rescheduled or
	// backed off in between.
	DueBy time.Time

	// RetryCount, NextAttemptAt and FailureReason are written when leaving
	// StatusPublishing; a zero NextAttemptAt keeps the stored value.
	RetryCount    int
	NextAttemptAt time.Time
	FailureReason publish.FailureReason

	// Results are appended to the item's history.
	Results []publish.PublishResult
}

// ItemFilter narrows ListItems. Zero values match everything.
type ItemFilter struct {
	UserID string
	Status publish.Status
	Limit  int
}

// AuditEntry records one successful platform publish for analytics.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time          `json:"at"`
	UserID         string             `json:"user_id"`
	ItemID         string             `json:"item_id,omitempty"`
	Platform       publish.PlatformID `json:"platform"`
	PlatformPostID string             `json:"platform_post_id"`
	PlatformURL    string             `json:"platform_url,omitempty"`
}

func checkTransition(t Transition) error {
	return publish.CheckTransition(t.From, t.To)
}
