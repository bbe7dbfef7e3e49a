// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package calibrate

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/classify"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

func testCalibrationConfig() config.CalibrationConfig {
	return config.CalibrationConfig{
		TopK:              5,
		MinSimilarity:     0.3,
		RecurrenceBatches: 2,
		RecurrenceWindow:  time.Hour,
	}
}

func testTTLs() mitigation.TTLPolicy {
	return mitigation.TTLPolicy{
		Delay:          10 * time.Minute,
		Captcha:        30 * time.Minute,
		TemporaryBlock: time.Hour,
	}
}

func newTestCalibrator(t *testing.T) (*Calibrator, mitigation.Store, *casememory.Store, *casememory.Index) {
	t.Helper()

	db, err := sql.Open("duckdb", ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cases := casememory.NewStore(db)
	if err := cases.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	store := mitigation.NewMemoryStore()
	index := casememory.NewIndex()
	recurrence := traffic.NewRecurrenceTracker(time.Hour)

	return New(testCalibrationConfig(), testTTLs(), store, cases, index, recurrence), store, cases, index
}

func verdict(id actor.Identity, category string, level mitigation.Level, rationale string) classify.Verdict {
	return classify.Verdict{
		Actor:          id,
		Category:       category,
		SuggestedLevel: level,
		Rationale:      rationale,
		Confidence:     0.9,
	}
}

func TestCalibrateAdoptsWithNoHistory(t *testing.T) {
	cal, store, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	decided, err := cal.Calibrate(ctx, 1, verdict(id, "auth", mitigation.TemporaryBlock,
		"47 failed login attempts in one batch"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if decided.AppliedLevel != mitigation.TemporaryBlock {
		t.Errorf("expected adopted suggestion, got %s", decided.AppliedLevel)
	}

	active, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get mitigation: %v", err)
	}
	if active == nil || active.Level != mitigation.TemporaryBlock {
		t.Fatalf("expected committed mitigation, got %+v", active)
	}
	if active.CaseID != decided.ID {
		t.Errorf("mitigation should trace to its case: %q vs %q", active.CaseID, decided.ID)
	}
	if active.ExpiresAt.IsZero() {
		t.Error("temporary block must expire")
	}
	if got := active.ExpiresAt.Sub(active.AppliedAt); got != time.Hour {
		t.Errorf("expected 1h TTL, got %s", got)
	}
	if !strings.Contains(decided.Rationale, "47 failed login attempts") ||
		!strings.Contains(decided.Rationale, "calibration: adopted") {
		t.Errorf("case rationale should carry verdict and calibration reasoning, got %q", decided.Rationale)
	}
	if active.Reason != decided.Rationale {
		t.Errorf("mitigation reason should match the case rationale, got %q", active.Reason)
	}
}

func TestCalibrateDowngradeOnFalsePositiveHistory(t *testing.T) {
	cal, store, _, index := newTestCalibrator(t)
	ctx := context.Background()

	rationale := "burst of scripted checkout attempts"
	// Three very similar prior cases at the suggested tier, all judged
	// incorrect by operators.
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		index.Add(casememory.IndexEntry{
			ID:       id,
			Category: "payment",
			Applied:  mitigation.TemporaryBlock,
			Feedback: casememory.FeedbackIncorrect,
			Vector:   casememory.Fingerprint("payment", rationale),
		})
	}

	id := actor.FromAccount("u-1842")
	decided, err := cal.Calibrate(ctx, 1, verdict(id, "payment", mitigation.TemporaryBlock, rationale))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if decided.AppliedLevel != mitigation.Captcha {
		t.Errorf("majority-incorrect history should downgrade one tier, got %s", decided.AppliedLevel)
	}
	if decided.SuggestedLevel != mitigation.TemporaryBlock {
		t.Errorf("case must preserve the original suggestion, got %s", decided.SuggestedLevel)
	}
	if !strings.Contains(decided.Rationale, "calibration: downgraded temporary_block to captcha") {
		t.Errorf("case rationale should explain the downgrade, got %q", decided.Rationale)
	}

	active, _ := store.Get(ctx, id)
	if active == nil || active.Level != mitigation.Captcha {
		t.Errorf("committed mitigation should match the downgraded tier, got %+v", active)
	}
}

func TestCalibrateEscalatesRecurrentActor(t *testing.T) {
	cal, _, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	// Flagged in batches 1 and 2
	if _, err := cal.Calibrate(ctx, 1, verdict(id, "search", mitigation.Delay, "high request velocity")); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	if _, err := cal.Calibrate(ctx, 2, verdict(id, "search", mitigation.Delay, "high request velocity")); err != nil {
		t.Fatalf("batch 2: %v", err)
	}

	// Third occurrence: recurrence threshold met, suggestion hardens
	decided, err := cal.Calibrate(ctx, 3, verdict(id, "search", mitigation.Delay, "high request velocity"))
	if err != nil {
		t.Fatalf("batch 3: %v", err)
	}
	if decided.AppliedLevel != mitigation.Captcha {
		t.Errorf("recurrent actor should escalate one tier, got %s", decided.AppliedLevel)
	}
}

func TestCalibrateEscalationCapsAtPermanentBan(t *testing.T) {
	cal, _, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	for batch := uint64(1); batch <= 3; batch++ {
		if _, err := cal.Calibrate(ctx, batch, verdict(id, "auth", mitigation.PermanentBan, "continued abuse")); err != nil {
			t.Fatalf("batch %d: %v", batch, err)
		}
	}

	decided, err := cal.Calibrate(ctx, 4, verdict(id, "auth", mitigation.PermanentBan, "continued abuse"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if decided.AppliedLevel != mitigation.PermanentBan {
		t.Errorf("escalation must cap at permanent_ban, got %s", decided.AppliedLevel)
	}
}

func TestCalibrateMonotonicityFloor(t *testing.T) {
	cal, store, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromAccount("u-7")

	// Actor already under a temporary block
	if err := store.Put(ctx, &mitigation.Active{
		Actor:     id,
		Level:     mitigation.TemporaryBlock,
		AppliedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed mitigation: %v", err)
	}

	decided, err := cal.Calibrate(ctx, 1, verdict(id, "general", mitigation.Delay, "still noisy"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if decided.AppliedLevel != mitigation.TemporaryBlock {
		t.Errorf("milder verdict must not weaken an active mitigation, got %s", decided.AppliedLevel)
	}
}

func TestCalibrateFloorReleasedByIncorrectFeedback(t *testing.T) {
	cal, store, cases, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromAccount("u-8")

	// The standing block was judged wrong by an operator.
	prior := &casememory.Case{
		ID:             "case-prior",
		Actor:          id,
		Category:       "general",
		SuggestedLevel: mitigation.TemporaryBlock,
		AppliedLevel:   mitigation.TemporaryBlock,
		Rationale:      "burst of failures",
		Fingerprint:    casememory.Fingerprint("general", "burst of failures"),
		CreatedAt:      time.Now(),
	}
	if err := cases.SaveCase(ctx, prior); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	if err := cases.AttachFeedback(ctx, prior.ID, casememory.FeedbackIncorrect, time.Now()); err != nil {
		t.Fatalf("attach feedback: %v", err)
	}
	if err := store.Put(ctx, &mitigation.Active{
		Actor:     id,
		Level:     mitigation.TemporaryBlock,
		CaseID:    prior.ID,
		AppliedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed mitigation: %v", err)
	}

	decided, err := cal.Calibrate(ctx, 1, verdict(id, "general", mitigation.Delay, "still noisy"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if decided.AppliedLevel != mitigation.Delay {
		t.Errorf("incorrect label on the standing case should release the floor, got %s", decided.AppliedLevel)
	}
}

func TestCalibratePrunesStaleActorState(t *testing.T) {
	cal, _, _, _ := newTestCalibrator(t)
	ctx := context.Background()

	old := actor.FromIP("203.0.113.7")
	if _, err := cal.Calibrate(ctx, 1, verdict(old, "auth", mitigation.Delay, "old burst")); err != nil {
		t.Fatalf("calibrate old actor: %v", err)
	}
	if _, err := cal.Calibrate(ctx, staleBatchAge+2, verdict(actor.FromIP("198.51.100.4"), "auth", mitigation.Delay, "new burst")); err != nil {
		t.Fatalf("calibrate new actor: %v", err)
	}

	cal.mu.Lock()
	_, lockKept := cal.locks[old.Key()]
	_, batchKept := cal.lastBatch[old.Key()]
	cal.mu.Unlock()
	if lockKept || batchKept {
		t.Error("actor state idle past the prune horizon should be dropped")
	}
}

func TestCalibrateDeduplicatesWithinBatch(t *testing.T) {
	cal, _, cases, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	first, err := cal.Calibrate(ctx, 1, verdict(id, "auth", mitigation.Captcha, "credential stuffing"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first == nil {
		t.Fatal("first verdict should produce a case")
	}

	dup, err := cal.Calibrate(ctx, 1, verdict(id, "search", mitigation.Delay, "also scraping"))
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup != nil {
		t.Errorf("second verdict for same actor in same batch should be skipped, got %+v", dup)
	}

	count, err := cases.CountCases(ctx, casememory.CaseFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 case, got %d", count)
	}

	// A later batch processes the actor again
	next, err := cal.Calibrate(ctx, 2, verdict(id, "search", mitigation.Delay, "also scraping"))
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if next == nil {
		t.Error("new batch should calibrate the actor again")
	}
}

func TestCalibratePermanentBanNeverExpires(t *testing.T) {
	cal, store, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	if _, err := cal.Calibrate(ctx, 1, verdict(id, "auth", mitigation.PermanentBan, "sustained attack")); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	active, _ := store.Get(ctx, id)
	if active == nil || !active.ExpiresAt.IsZero() {
		t.Errorf("permanent ban must have no expiry, got %+v", active)
	}
}

func TestClearActor(t *testing.T) {
	cal, store, _, _ := newTestCalibrator(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	if _, err := cal.Calibrate(ctx, 1, verdict(id, "auth", mitigation.Captcha, "stuffing")); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if err := cal.ClearActor(ctx, id.Key()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if active, _ := store.Get(ctx, id); active != nil {
		t.Errorf("mitigation should be cleared, got %+v", active)
	}

	cal.mu.Lock()
	_, lockKept := cal.locks[id.Key()]
	_, batchKept := cal.lastBatch[id.Key()]
	cal.mu.Unlock()
	if lockKept || batchKept {
		t.Error("clearing an actor should drop its calibration state")
	}

	if err := cal.ClearActor(ctx, "garbage-key"); err == nil {
		t.Error("malformed key should error")
	}
}

func TestDecidePolicyTable(t *testing.T) {
	incorrect := func(level mitigation.Level) casememory.Scored {
		return casememory.Scored{Entry: casememory.IndexEntry{
			Applied: level, Feedback: casememory.FeedbackIncorrect,
		}}
	}
	correct := func(level mitigation.Level) casememory.Scored {
		return casememory.Scored{Entry: casememory.IndexEntry{
			Applied: level, Feedback: casememory.FeedbackCorrect,
		}}
	}

	tests := []struct {
		name        string
		suggested   mitigation.Level
		similar     []casememory.Scored
		recurrent   bool
		wantLevel   mitigation.Level
		wantOutcome Outcome
	}{
		{
			name:        "no history adopts",
			suggested:   mitigation.Captcha,
			wantLevel:   mitigation.Captcha,
			wantOutcome: OutcomeAdopt,
		},
		{
			name:      "majority incorrect downgrades",
			suggested: mitigation.Captcha,
			similar: []casememory.Scored{
				incorrect(mitigation.Captcha), incorrect(mitigation.Captcha), correct(mitigation.Captcha),
			},
			wantLevel:   mitigation.Delay,
			wantOutcome: OutcomeDowngrade,
		},
		{
			name:      "minority incorrect adopts",
			suggested: mitigation.Captcha,
			similar: []casememory.Scored{
				incorrect(mitigation.Captcha), correct(mitigation.Captcha), correct(mitigation.Captcha),
			},
			wantLevel:   mitigation.Captcha,
			wantOutcome: OutcomeAdopt,
		},
		{
			name:      "incorrect at different tier does not downgrade",
			suggested: mitigation.Captcha,
			similar: []casememory.Scored{
				incorrect(mitigation.PermanentBan), incorrect(mitigation.PermanentBan),
			},
			recurrent:   false,
			wantLevel:   mitigation.Captcha,
			wantOutcome: OutcomeAdopt,
		},
		{
			name:        "recurrence escalates",
			suggested:   mitigation.Delay,
			recurrent:   true,
			wantLevel:   mitigation.Captcha,
			wantOutcome: OutcomeEscalate,
		},
		{
			name:      "incorrect history blocks escalation",
			suggested: mitigation.Captcha,
			similar: []casememory.Scored{
				incorrect(mitigation.Delay), correct(mitigation.Captcha), correct(mitigation.Captcha),
			},
			recurrent:   true,
			wantLevel:   mitigation.Captcha,
			wantOutcome: OutcomeAdopt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := decide(tt.suggested, tt.similar, tt.recurrent)
			if got != tt.wantLevel || outcome != tt.wantOutcome {
				t.Errorf("decide() = (%s, %s), want (%s, %s)", got, outcome, tt.wantLevel, tt.wantOutcome)
			}
		})
	}
}
