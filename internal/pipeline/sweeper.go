// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package pipeline

import (
	"context"
	"time"

	"github.com/tomtom215/excubitor/internal/logging"
)

// SweepableStore is a mitigation store that can reclaim expired entries
// in bulk. Expiry is already enforced at read; sweeping just bounds the
// memory held by lapsed entries.
type SweepableStore interface {
	Sweep() int
}

// Sweeper periodically evicts expired mitigations. It implements
// suture.Service.
type Sweeper struct {
	store    SweepableStore
	interval time.Duration
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store SweepableStore, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if evicted := s.store.Sweep(); evicted > 0 {
				logging.Debug().
					Int("evicted", evicted).
					Msg("swept expired mitigations")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "mitigation-sweeper"
}
