// Package conflict decides whether a user's requested publish slot is free and,
// if not, suggests the next free one.
package conflict

import (
	"context"
	"time"
)

// SlotSource reports the slots in [from, to] that userID already holds, ignoring
// excludeID. The storage layer implements it.
type SlotSource interface {
	OccupiedSlots(ctx context.Context, userID string, from, to time.Time, excludeID string) ([]time.Time, error)
}

type Config struct {
	// Granularity is the slot resolution; requested times are truncated to it. Default 1m.
	Granularity time.Duration
	// Step is the probe increment after a conflict. Default 15m.
	Step time.Duration
	// MaxProbes bounds the forward search. Default 96 (one day of 15m steps).
	MaxProbes int
}

func (c Config) withDefaults() Config {
	if c.Granularity <= 0 {
		c.Granularity = time.Minute
	}
	if c.Step <= 0 {
		c.Step = 15 * time.Minute
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 96
	}
	return c
}

// Placement is the resolver's answer for one candidate time.
type Placement struct {
	Accepted bool
	// Slot is the normalized candidate.
	Slot time.Time
	// Suggested is the first free probe when not accepted; nil if none was free.
	Suggested *time.Time
}

type Resolver struct {
	src SlotSource
	cfg Config
}

func New(src SlotSource, cfg Config) *Resolver {
	return &Resolver{src: src, cfg: cfg.withDefaults()}
}

// Normalize truncates t to the slot granularity (UTC).
func (r *Resolver) Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(r.cfg.Granularity)
}

// PlaceSlot checks candidate against the user's active items. It only reads: a
// free answer can still lose a race, which the storage uniqueness constraint
// settles.
func (r *Resolver) PlaceSlot(ctx context.Context, userID string, candidate time.Time, excludeItemID string) (Placement, error) {
	slot := r.Normalize(candidate)
	last := slot.Add(time.Duration(r.cfg.MaxProbes) * r.cfg.Step)

	taken, err := r.src.OccupiedSlots(ctx, userID, slot, last, excludeItemID)
	if err != nil {
		return Placement{}, err
	}
	occupied := make(map[int64]struct{}, len(taken))
	for _, t := range taken {
		occupied[t.UnixMilli()] = struct{}{}
	}
	free := func(t time.Time) bool {
		_, ok := occupied[t.UnixMilli()]
		return !ok
	}

	p := Placement{Slot: slot}
	if free(slot) {
		p.Accepted = true
		return p, nil
	}
	for i := 1; i <= r.cfg.MaxProbes; i++ {
		next := slot.Add(time.Duration(i) * r.cfg.Step)
		if free(next) {
			p.Suggested = &next
			break
		}
	}
	return p, nil
}
