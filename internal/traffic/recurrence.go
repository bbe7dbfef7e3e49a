// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package traffic

import (
	"sync"
	"time"
)

// RecurrenceTracker counts how many distinct recent batches an actor has
// been flagged in. The calibrator uses it to decide when a repeat verdict
// warrants escalation. Observations outside the window age out lazily.
type RecurrenceTracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string][]recurrenceEntry
	now    func() time.Time
}

type recurrenceEntry struct {
	batch uint64
	at    time.Time
}

// NewRecurrenceTracker creates a tracker with the given lookback window.
func NewRecurrenceTracker(window time.Duration) *RecurrenceTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &RecurrenceTracker{
		window: window,
		seen:   make(map[string][]recurrenceEntry),
		now:    time.Now,
	}
}

// Observe marks the actor as flagged in the given batch. Observing the
// same batch twice is a no-op.
func (t *RecurrenceTracker) Observe(actorKey string, batch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.prune(actorKey, t.now())
	for _, e := range entries {
		if e.batch == batch {
			return
		}
	}
	t.seen[actorKey] = append(entries, recurrenceEntry{batch: batch, at: t.now()})
}

// Count returns the number of distinct batches the actor was flagged in
// within the window.
func (t *RecurrenceTracker) Count(actorKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prune(actorKey, t.now()))
}

// Forget drops all observations for an actor. Called when an operator
// clears a mitigation so a stale history cannot drive re-escalation.
func (t *RecurrenceTracker) Forget(actorKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, actorKey)
}

// prune removes aged-out entries for the actor (mu must be held).
func (t *RecurrenceTracker) prune(actorKey string, now time.Time) []recurrenceEntry {
	entries := t.seen[actorKey]
	cutoff := now.Add(-t.window)

	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(t.seen, actorKey)
		return nil
	}
	t.seen[actorKey] = kept
	return kept
}
