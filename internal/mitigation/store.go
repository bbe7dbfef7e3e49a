// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package mitigation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/metrics"
)

// Active is the single mitigation currently applied to an actor. A zero
// ExpiresAt means the mitigation never expires.
type Active struct {
	Actor     actor.Identity `json:"actor"`
	Level     Level          `json:"level"`
	Reason    string         `json:"reason"`
	CaseID    string         `json:"case_id,omitempty"`
	AppliedAt time.Time      `json:"applied_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the mitigation has lapsed at the given instant.
func (a *Active) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Store holds at most one active mitigation per actor. Get returns
// (nil, nil) when no unexpired mitigation exists; committing a new
// mitigation atomically replaces any previous one for the same actor.
//
// Implementations must keep Get cheap enough for the request path.
type Store interface {
	// Get returns the active mitigation for an actor, or (nil, nil) when
	// none exists. Expired entries are treated as absent.
	Get(ctx context.Context, id actor.Identity) (*Active, error)

	// Put commits a mitigation, replacing any existing one for the actor.
	Put(ctx context.Context, m *Active) error

	// Delete removes the actor's mitigation. Removing a missing entry is
	// not an error.
	Delete(ctx context.Context, id actor.Identity) error

	// List returns all unexpired mitigations.
	List(ctx context.Context) ([]*Active, error)

	// Close releases underlying resources.
	Close() error
}

const memoryShards = 32

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*Active
}

// MemoryStore is the in-process Store. Lookups are lock-sharded so the
// request path never serializes behind pipeline writes. Expiry is enforced
// at read; Sweep reclaims lapsed entries in bulk.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*Active)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// Get returns the actor's active mitigation, removing it if expired.
func (s *MemoryStore) Get(_ context.Context, id actor.Identity) (*Active, error) {
	key := id.Key()
	sh := s.shard(key)

	sh.mu.RLock()
	m, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if m.Expired(s.now()) {
		sh.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// replaced the entry since the read.
		if cur, ok := sh.entries[key]; ok && cur.Expired(s.now()) {
			delete(sh.entries, key)
			metrics.MitigationsExpired.Inc()
		}
		sh.mu.Unlock()
		return nil, nil
	}

	return m, nil
}

// Put commits a mitigation, replacing any existing entry for the actor.
func (s *MemoryStore) Put(_ context.Context, m *Active) error {
	key := m.Actor.Key()
	sh := s.shard(key)

	sh.mu.Lock()
	sh.entries[key] = m
	sh.mu.Unlock()
	return nil
}

// Delete removes the actor's mitigation if present.
func (s *MemoryStore) Delete(_ context.Context, id actor.Identity) error {
	key := id.Key()
	sh := s.shard(key)

	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// List returns all unexpired mitigations across shards.
func (s *MemoryStore) List(_ context.Context) ([]*Active, error) {
	now := s.now()
	var out []*Active
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, m := range sh.entries {
			if !m.Expired(now) {
				out = append(out, m)
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Sweep removes expired entries and refreshes the per-tier gauges.
// Returns the number of entries removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	counts := make(map[Level]int)

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, m := range sh.entries {
			if m.Expired(now) {
				delete(sh.entries, key)
				removed++
				continue
			}
			counts[m.Level]++
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		metrics.MitigationsExpired.Add(float64(removed))
	}
	for _, level := range []Level{Delay, Captcha, TemporaryBlock, PermanentBan} {
		metrics.ActiveMitigations.WithLabelValues(level.String()).Set(float64(counts[level]))
	}
	return removed
}

// Close implements Store. The memory store holds no resources.
func (s *MemoryStore) Close() error {
	return nil
}
