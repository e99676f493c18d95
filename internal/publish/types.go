// Package publish holds the publishing engine's data model: scheduled items,
// per-platform publish results, platform connections and the item state machine.
package publish

import (
	"slices"
	"strings"
	"time"
)

// PlatformID identifies an external social platform ("telegram", "instagram", ...).
type PlatformID string

// Normalize lower-cases and trims a platform identifier.
func (p PlatformID) Normalize() PlatformID {
	return PlatformID(strings.ToLower(strings.TrimSpace(string(p))))
}

// PlatformSet normalizes ids, drops empties and duplicates, and keeps first-seen order.
func PlatformSet(ids []PlatformID) []PlatformID {
	out := make([]PlatformID, 0, len(ids))
	seen := make(map[PlatformID]struct{}, len(ids))
	for _, id := range ids {
		n := id.Normalize()
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// SortedPlatforms returns the normalized set in lexical order (storage form).
func SortedPlatforms(ids []PlatformID) []PlatformID {
	out := PlatformSet(ids)
	slices.Sort(out)
	return out
}

// Content is the payload published to platforms.
type Content struct {
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	Link      string   `json:"link,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

// Body renders text, link and hashtags the way most platforms expect a single post body.
func (c Content) Body() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Text))
	if link := strings.TrimSpace(c.Link); link != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(link)
	}
	tags := make([]string, 0, len(c.Hashtags))
	for _, h := range c.Hashtags {
		h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "#"))
		if h != "" {
			tags = append(tags, "#"+h)
		}
	}
	if len(tags) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.Join(tags, " "))
	}
	return b.String()
}

// ErrorKind classifies a failed PublishResult.
type ErrorKind string

const (
	KindNoActiveConnection  ErrorKind = "no_active_connection"
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindValidationFailed    ErrorKind = "validation_failed"
	KindPublishFailed       ErrorKind = "publish_failed"
)

// PublishResult is the outcome of one platform publish attempt within one execution.
type PublishResult struct {
	Platform       PlatformID `json:"platform"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	PlatformPostID string     `json:"platform_post_id,omitempty"`
	PlatformURL    string     `json:"platform_url,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	// Attempt is the 1-based execution attempt of a scheduled item; 0 for publish-now.
	Attempt int `json:"attempt"`
}

// AllSucceeded reports whether every result is a success. An empty list is not a success.
func AllSucceeded(results []PublishResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// FailureReason explains a terminal Failed status.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonContentMissing   FailureReason = "content_missing"
	ReasonRetriesExhausted FailureReason = "retries_exhausted"
	ReasonClaimExpired     FailureReason = "claim_expired"
)

// ScheduledItem is one unit of future publication. It is never deleted.
type ScheduledItem struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	ContentRef string       `json:"content_ref"`
	Platforms  []PlatformID `json:"platforms"`

	// ScheduledTime is the reserved slot (unique per user among active items).
	ScheduledTime time.Time `json:"scheduled_time"`
	// NextAttemptAt is when the sweep may claim the item; retry backoff defers it.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	Status         Status          `json:"status"`
	PublishResults []PublishResult `json:"publish_results"`
	RetryCount     int             `json:"retry_count"`
	FailureReason  FailureReason   `json:"failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a store.
func (it *ScheduledItem) Clone() *ScheduledItem {
	if it == nil {
		return nil
	}
	cp := *it
	cp.Platforms = slices.Clone(it.Platforms)
	cp.PublishResults = slices.Clone(it.PublishResults)
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// Attempts returns the number of execution attempts recorded in the result history.
func (it *ScheduledItem) Attempts() int {
	n := 0
	for _, r := range it.PublishResults {
		if r.Attempt > n {
			n = r.Attempt
		}
	}
	return n
}

// PostedIDs returns the platform post ids recorded in the history (latest wins per platform).
func (it *ScheduledItem) PostedIDs() map[PlatformID]string {
	out := map[PlatformID]string{}
	for _, r := range it.PublishResults {
		if strings.TrimSpace(r.PlatformPostID) != "" {
			out[r.Platform] = r.PlatformPostID
		}
	}
	return out
}

// PlatformConnection is a user's authorization to one platform.
type PlatformConnection struct {
	Platform           PlatformID `json:"platform"`
	IsActive           bool       `json:"is_active"`
	Credentials        []byte     `json:"-"`
	AccountUsername    string     `json:"account_username,omitempty"`
	AccountDisplayName string     `json:"account_display_name,omitempty"`
}

// ValidationResult is produced per platform before any publish call.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalid builds a failed ValidationResult.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// AccountInfo is returned by a platform account lookup (connection health).
type AccountInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}
