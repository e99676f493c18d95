package connections

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"postflow/internal/platform"
	"postflow/internal/publish"
)

// Health is the result of probing one connection.
type Health struct {
	Platform  publish.PlatformID  `json:"platform"`
	Active    bool                `json:"active"`
	Healthy   bool                `json:"healthy"`
	Account   publish.AccountInfo `json:"account"`
	Error     string              `json:"error,omitempty"`
	CheckedAt time.Time           `json:"checked_at"`
}

// CheckHealth asks each active connection's platform for its account. Inactive
// connections are reported without a network call. It is not used on any
// publish path.
func CheckHealth(ctx context.Context, dir Directory, reg *platform.Registry, userID string, now func() time.Time) ([]Health, error) {
	if now == nil {
		now = time.Now
	}
	conns, err := dir.UserConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Health, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, c := range conns {
		out[i] = Health{Platform: c.Platform.Normalize(), Active: c.IsActive}
		if !c.IsActive {
			out[i].Error = "connection inactive"
			out[i].CheckedAt = now()
			continue
		}
		g.Go(func() error {
			h := &out[i]
			defer func() { h.CheckedAt = now() }()
			capab, err := reg.Lookup(h.Platform)
			if err != nil {
				h.Error = err.Error()
				return nil
			}
			info, err := capab.GetAccountInfo(gctx, c.Credentials)
			if err != nil {
				h.Error = err.Error()
				return nil
			}
			h.Healthy = true
			h.Account = info
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
