// Package platform defines the capability contract every social platform
// integration implements, a registry keyed by platform id, and Guard, which
// bounds every outbound platform call.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"postflow/internal/publish"
)

// Receipt identifies a post created on a platform.
type Receipt struct {
	PostID string
	URL    string
}

// Capability is implemented once per platform.
//
// ValidateContent must not perform network I/O. Publish, CancelScheduledPost and
// GetAccountInfo receive the connection's opaque credentials.
type Capability interface {
	ValidateContent(ctx context.Context, c publish.Content) publish.ValidationResult
	Publish(ctx context.Context, creds []byte, c publish.Content) (Receipt, error)
	CancelScheduledPost(ctx context.Context, creds []byte, postID string) error
	GetAccountInfo(ctx context.Context, creds []byte) (publish.AccountInfo, error)
}

var ErrUnsupported = errors.New("platform not supported")

// Registry maps platform ids to capabilities. It is safe for concurrent use and
// may be swapped wholesale on config reload.
type Registry struct {
	mu   sync.RWMutex
	caps map[publish.PlatformID]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: map[publish.PlatformID]Capability{}}
}

// Register adds or replaces the capability for id.
func (r *Registry) Register(id publish.PlatformID, c Capability) error {
	id = id.Normalize()
	if id == "" {
		return fmt.Errorf("platform: empty id")
	}
	if c == nil {
		return fmt.Errorf("platform %s: nil capability", id)
	}
	r.mu.Lock()
	r.caps[id] = c
	r.mu.Unlock()
	return nil
}

// Lookup returns the capability for id, or ErrUnsupported.
func (r *Registry) Lookup(id publish.PlatformID) (Capability, error) {
	if r == nil {
		return nil, ErrUnsupported
	}
	r.mu.RLock()
	c, ok := r.caps[id.Normalize()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, id)
	}
	return c, nil
}

// Platforms lists registered ids in lexical order.
func (r *Registry) Platforms() []publish.PlatformID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]publish.PlatformID, 0, len(r.caps))
	for id := range r.caps {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
