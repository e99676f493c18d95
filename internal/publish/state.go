package publish

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a ScheduledItem.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusPublishing, StatusPublished, StatusFailed, StatusCancelled}

// ParseStatus accepts any case; unknown values are an error.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Statuses {
		if v == st {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// OccupiesSlot reports whether an item in status s reserves its (user, slot) pair.
func (s Status) OccupiesSlot() bool {
	return s != StatusCancelled && s != StatusFailed
}

// transitions is the complete table of legal moves:
//
//	pending    -> publishing (claim), cancelled (user cancel)
//	publishing -> published, pending (retry), failed
var transitions = map[Status][]Status{
	StatusPending:    {StatusPublishing, StatusCancelled},
	StatusPublishing: {StatusPublished, StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition (wrapped with context) for illegal moves.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Outcome is the executor's decision after one execution attempt.
type Outcome struct {
	Status        Status
	RetryCount    int
	FailureReason FailureReason
}

// Decide maps one attempt's results onto the next state.
//
// All success publishes. Any failure counts one retry; the item returns to pending
// while retryCount stays below maxRetries and fails permanently otherwise.
func Decide(results []PublishResult, retryCount, maxRetries int) Outcome {
	if AllSucceeded(results) {
		return Outcome{Status: StatusPublished, RetryCount: retryCount}
	}
	return retryOrFail(retryCount, maxRetries, ReasonRetriesExhausted)
}

// DecideInterrupted handles an attempt that never reported back (expired claim).
func DecideInterrupted(retryCount, maxRetries int) Outcome {
	return retryOrFail(retryCount, maxRetries, ReasonClaimExpired)
}

func retryOrFail(retryCount, maxRetries int, reason FailureReason) Outcome {
	next := retryCount + 1
	if next < maxRetries {
		return Outcome{Status: StatusPending, RetryCount: next}
	}
	return Outcome{Status: StatusFailed, RetryCount: next, FailureReason: reason}
}
