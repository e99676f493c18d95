package publish

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveConnections: none of the requested platforms has an active connection.
	ErrNoActiveConnections = errors.New("no active connections for requested platforms")
	ErrValidationFailed    = errors.New("content validation failed")
	ErrPublishFailed       = errors.New("publish failed")
	ErrScheduleConflict    = errors.New("schedule conflict")
	ErrNotCancellable      = errors.New("item not cancellable")
	ErrContentMissing      = errors.New("content missing")

	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStaleState means a compare-and-set lost: the stored status was not the expected one.
	ErrStaleState = errors.New("stale item state")
	// ErrSlotTaken is returned by storage when the (user, slot) uniqueness constraint rejects a write.
	ErrSlotTaken  = errors.New("slot already taken")
	ErrNotPending = errors.New("item is not pending")
)

// ConflictError carries the occupied slot and, when one was found, the nearest free slot.
type ConflictError struct {
	Requested time.Time
	Suggested *time.Time
}

func (e *ConflictError) Error() string {
	if e.Suggested == nil {
		return fmt.Sprintf("schedule conflict at %s: no free slot found", e.Requested.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("schedule conflict at %s: suggested %s",
		e.Requested.UTC().Format(time.RFC3339), e.Suggested.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrScheduleConflict }

// SuggestedTime returns the suggestion carried by err, if err is a ConflictError.
func SuggestedTime(err error) (time.Time, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Suggested != nil {
		return *ce.Suggested, true
	}
	return time.Time{}, false
}
