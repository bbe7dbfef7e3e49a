// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package casememory

import (
	"sort"
	"sync"

	"github.com/tomtom215/excubitor/internal/mitigation"
)

// IndexEntry is the slice of a case the similarity index keeps in memory.
type IndexEntry struct {
	ID       string
	Category string
	Applied  mitigation.Level
	Feedback Feedback
	Vector   []float32
}

// Scored pairs an index entry with its similarity to a query vector.
type Scored struct {
	Entry      IndexEntry
	Similarity float64
}

// Index is the in-memory similarity index over decided cases. Retrieval
// is a linear scan per query, which stays comfortably fast at the case
// volumes a single guard instance produces. The index is rebuilt from the
// durable store at startup and kept current by the calibrator and the
// feedback channel.
type Index struct {
	mu      sync.RWMutex
	entries map[string]IndexEntry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]IndexEntry)}
}

// Add inserts or replaces an entry.
func (ix *Index) Add(e IndexEntry) {
	ix.mu.Lock()
	ix.entries[e.ID] = e
	ix.mu.Unlock()
}

// UpdateFeedback sets the feedback label on an indexed case. Unknown IDs
// are ignored; the durable store is the source of truth.
func (ix *Index) UpdateFeedback(id string, fb Feedback) {
	ix.mu.Lock()
	if e, ok := ix.entries[id]; ok {
		e.Feedback = fb
		ix.entries[id] = e
	}
	ix.mu.Unlock()
}

// Len returns the number of indexed cases.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Rebuild replaces the whole index, typically from the durable store at
// startup.
func (ix *Index) Rebuild(entries []IndexEntry) {
	fresh := make(map[string]IndexEntry, len(entries))
	for _, e := range entries {
		fresh[e.ID] = e
	}

	ix.mu.Lock()
	ix.entries = fresh
	ix.mu.Unlock()
}

// TopK returns the k most similar cases in the given category with
// similarity of at least minSim, ordered most similar first.
func (ix *Index) TopK(category string, query []float32, k int, minSim float64) []Scored {
	if k < 1 {
		return nil
	}

	ix.mu.RLock()
	var scored []Scored
	for _, e := range ix.entries {
		if e.Category != category {
			continue
		}
		sim := Cosine(query, e.Vector)
		if sim < minSim {
			continue
		}
		scored = append(scored, Scored{Entry: e, Similarity: sim})
	}
	ix.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
