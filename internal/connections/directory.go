// Package connections answers which platforms a user is connected to.
package connections

import (
	"context"
	"sort"
	"strings"
	"sync"

	"postflow/internal/publish"
)

// Directory lists a user's platform connections, active or not.
type Directory interface {
	UserConnections(ctx context.Context, userID string) ([]publish.PlatformConnection, error)
}

// Active filters conns down to active ones keyed by normalized platform.
func Active(conns []publish.PlatformConnection) map[publish.PlatformID]publish.PlatformConnection {
	out := make(map[publish.PlatformID]publish.PlatformConnection, len(conns))
	for _, c := range conns {
		if !c.IsActive {
			continue
		}
		id := c.Platform.Normalize()
		if id == "" {
			continue
		}
		c.Platform = id
		out[id] = c
	}
	return out
}

// Static serves connections defined in configuration. Replace swaps the whole
// table atomically on reload.
type Static struct {
	mu    sync.RWMutex
	users map[string][]publish.PlatformConnection
}

func NewStatic(users map[string][]publish.PlatformConnection) *Static {
	s := &Static{}
	s.Replace(users)
	return s
}

func (s *Static) Replace(users map[string][]publish.PlatformConnection) {
	cp := make(map[string][]publish.PlatformConnection, len(users))
	for u, conns := range users {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		list := make([]publish.PlatformConnection, 0, len(conns))
		for _, c := range conns {
			c.Platform = c.Platform.Normalize()
			c.Credentials = append([]byte(nil), c.Credentials...)
			list = append(list, c)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Platform < list[j].Platform })
		cp[u] = list
	}
	s.mu.Lock()
	s.users = cp
	s.mu.Unlock()
}

func (s *Static) UserConnections(_ context.Context, userID string) ([]publish.PlatformConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.users[userID]
	out := make([]publish.PlatformConnection, len(src))
	copy(out, src)
	return out, nil
}

// Chain merges several directories. For the same platform the first directory
// that lists it wins, so static configuration can override stored connections.
type Chain []Directory

func (c Chain) UserConnections(ctx context.Context, userID string) ([]publish.PlatformConnection, error) {
	seen := map[publish.PlatformID]bool{}
	var out []publish.PlatformConnection
	for _, d := range c {
		if d == nil {
			continue
		}
		conns, err := d.UserConnections(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, conn := range conns {
			id := conn.Platform.Normalize()
			if seen[id] {
				continue
			}
			seen[id] = true
			conn.Platform = id
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}
