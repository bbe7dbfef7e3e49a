// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package calibrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/classify"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// Calibrator turns validated verdicts into committed mitigations and
// durable cases. Per-actor keyed locks serialize concurrent verdicts for
// the same actor arriving from different category goroutines, and a
// per-batch dedup guarantees at most one calibration per actor per batch.
type Calibrator struct {
	cfg        config.CalibrationConfig
	ttls       mitigation.TTLPolicy
	store      mitigation.Store
	cases      *casememory.Store
	index      *casememory.Index
	recurrence *traffic.RecurrenceTracker

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	lastBatch map[string]uint64

	now func() time.Time
}

// New creates a calibrator.
func New(
	cfg config.CalibrationConfig,
	ttls mitigation.TTLPolicy,
	store mitigation.Store,
	cases *casememory.Store,
	index *casememory.Index,
	recurrence *traffic.RecurrenceTracker,
) *Calibrator {
	return &Calibrator{
		cfg:        cfg,
		ttls:       ttls,
		store:      store,
		cases:      cases,
		index:      index,
		recurrence: recurrence,
		locks:      make(map[string]*sync.Mutex),
		lastBatch:  make(map[string]uint64),
		now:        time.Now,
	}
}

// Calibrate decides and commits the mitigation for one verdict. It
// returns the persisted case, or (nil, nil) when the verdict was a
// duplicate for this actor within the batch.
func (c *Calibrator) Calibrate(ctx context.Context, batchID uint64, v classify.Verdict) (*casememory.Case, error) {
	key := v.Actor.Key()

	lock := c.actorLock(key)
	lock.Lock()
	defer lock.Unlock()

	if c.seenInBatch(key, batchID) {
		logging.Ctx(ctx).Debug().
			Str("actor", key).
			Uint64("batch", batchID).
			Msg("skipping duplicate verdict for actor in batch")
		return nil, nil
	}

	fingerprint := casememory.Fingerprint(v.Category, v.Rationale)
	similar := c.index.TopK(v.Category, fingerprint, c.cfg.TopK, c.cfg.MinSimilarity)

	recurrent := c.recurrence.Count(key) >= c.cfg.RecurrenceBatches
	applied, outcome := decide(v.SuggestedLevel, similar, recurrent)

	// Monotonicity: an unexpired stricter mitigation is never weakened by
	// a milder verdict, unless an operator has already marked the standing
	// decision incorrect.
	current, err := c.store.Get(ctx, v.Actor)
	if err != nil {
		return nil, fmt.Errorf("read current mitigation for %s: %w", key, err)
	}
	if current != nil && current.Level > applied && !c.floorReleased(ctx, current) {
		applied = current.Level
		outcome = OutcomeFloor
	}

	rationale := v.Rationale + " | " + calibrationNote(outcome, v.SuggestedLevel, applied, len(similar))

	now := c.now()
	decided := &casememory.Case{
		ID:             uuid.New().String(),
		Actor:          v.Actor,
		Category:       v.Category,
		SuggestedLevel: v.SuggestedLevel,
		AppliedLevel:   applied,
		Rationale:      rationale,
		Confidence:     v.Confidence,
		BatchID:        batchID,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
	}

	// The case is durable before the mitigation takes effect, so every
	// active mitigation can be traced to a recorded decision.
	if err := c.cases.SaveCase(ctx, decided); err != nil {
		return nil, fmt.Errorf("persist case for %s: %w", key, err)
	}
	c.index.Add(casememory.IndexEntry{
		ID:       decided.ID,
		Category: decided.Category,
		Applied:  decided.AppliedLevel,
		Feedback: casememory.FeedbackNone,
		Vector:   fingerprint,
	})

	active := &mitigation.Active{
		Actor:     v.Actor,
		Level:     applied,
		Reason:    rationale,
		CaseID:    decided.ID,
		AppliedAt: now,
	}
	if ttl, ok := c.ttls.For(applied); ok {
		active.ExpiresAt = now.Add(ttl)
	}
	if err := c.store.Put(ctx, active); err != nil {
		return nil, fmt.Errorf("commit mitigation for %s: %w", key, err)
	}

	c.recurrence.Observe(key, batchID)
	c.markBatch(key, batchID)

	metrics.RecordCalibration(string(outcome), len(similar))
	metrics.MitigationsApplied.WithLabelValues(applied.String()).Inc()

	logging.Ctx(ctx).Info().
		Str("actor", key).
		Str("category", v.Category).
		Str("suggested", v.SuggestedLevel.String()).
		Str("applied", applied.String()).
		Str("outcome", string(outcome)).
		Int("similar_cases", len(similar)).
		Str("case_id", decided.ID).
		Msg("mitigation calibrated")

	return decided, nil
}

// ClearActor removes an actor's mitigation and recurrence history. Used
// by the management API when an operator overrides a decision.
func (c *Calibrator) ClearActor(ctx context.Context, key string) error {
	id, err := actor.ParseKey(key)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("clear mitigation for %s: %w", key, err)
	}
	c.recurrence.Forget(key)

	c.mu.Lock()
	if lock, ok := c.locks[key]; ok && lock.TryLock() {
		lock.Unlock()
		delete(c.locks, key)
	}
	delete(c.lastBatch, key)
	c.mu.Unlock()
	return nil
}

// floorReleased reports whether the standing mitigation's case carries an
// incorrect label. Explicit operator judgement is the only signal that
// lets a new decision land below the current level before expiry.
func (c *Calibrator) floorReleased(ctx context.Context, current *mitigation.Active) bool {
	if current.CaseID == "" {
		return false
	}
	decided, err := c.cases.GetCase(ctx, current.CaseID)
	if err != nil {
		return false
	}
	return decided.Feedback == casememory.FeedbackIncorrect
}

func (c *Calibrator) actorLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

func (c *Calibrator) seenInBatch(key string, batchID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastBatch[key]
	return ok && last == batchID
}

func (c *Calibrator) markBatch(key string, batchID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBatch[key] = batchID
	c.pruneLocked(batchID)
}

// staleBatchAge is how many batches an actor can go uncalibrated before
// its lock and dedup state are dropped.
const staleBatchAge = 512

// pruneLocked drops per-actor state not touched for staleBatchAge
// batches, bounding the maps on a long-running guard. A lock is removed
// only when TryLock proves it idle; acquisition and pruning both run
// under c.mu, so a pruned lock can have no holder or waiter.
func (c *Calibrator) pruneLocked(batchID uint64) {
	if batchID < staleBatchAge {
		return
	}
	horizon := batchID - staleBatchAge
	for key, last := range c.lastBatch {
		if last >= horizon {
			continue
		}
		if lock, ok := c.locks[key]; ok {
			if !lock.TryLock() {
				continue
			}
			lock.Unlock()
			delete(c.locks, key)
		}
		delete(c.lastBatch, key)
	}
}
