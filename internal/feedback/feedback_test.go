// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package feedback

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/mitigation"
)

func newTestChannel(t *testing.T) (*Channel, *casememory.Store, *casememory.Index) {
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
	index := casememory.NewIndex()

	return NewChannel(cases, index), cases, index
}

func seedCase(t *testing.T, cases *casememory.Store, index *casememory.Index) *casememory.Case {
	t.Helper()

	c := &casememory.Case{
		ID:             uuid.New().String(),
		Actor:          actor.FromIP("203.0.113.7"),
		Category:       "auth",
		SuggestedLevel: mitigation.Captcha,
		AppliedLevel:   mitigation.Captcha,
		Rationale:      "repeated login failures",
		Confidence:     0.8,
		BatchID:        1,
		Fingerprint:    casememory.Fingerprint("auth", "repeated login failures"),
		CreatedAt:      time.Now(),
	}
	if err := cases.SaveCase(context.Background(), c); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	index.Add(casememory.IndexEntry{
		ID:       c.ID,
		Category: c.Category,
		Applied:  c.AppliedLevel,
		Feedback: casememory.FeedbackNone,
		Vector:   c.Fingerprint,
	})
	return c
}

func TestSubmitCorrect(t *testing.T) {
	ch, cases, index := newTestChannel(t)
	ctx := context.Background()
	c := seedCase(t, cases, index)

	if err := ch.Submit(ctx, c.ID, true); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := cases.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Feedback != casememory.FeedbackCorrect {
		t.Errorf("expected correct feedback, got %q", got.Feedback)
	}
	if got.FeedbackAt == nil {
		t.Error("feedback timestamp should be set")
	}

	scored := index.TopK(c.Category, c.Fingerprint, 1, 0.5)
	if len(scored) != 1 || scored[0].Entry.Feedback != casememory.FeedbackCorrect {
		t.Errorf("index should reflect the judgment, got %+v", scored)
	}
}

func TestSubmitIncorrectOverwritesPrevious(t *testing.T) {
	ch, cases, index := newTestChannel(t)
	ctx := context.Background()
	c := seedCase(t, cases, index)

	if err := ch.Submit(ctx, c.ID, true); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := ch.Submit(ctx, c.ID, false); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	got, err := cases.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Feedback != casememory.FeedbackIncorrect {
		t.Errorf("latest judgment wins, got %q", got.Feedback)
	}
}

func TestSubmitUnknownCase(t *testing.T) {
	ch, _, _ := newTestChannel(t)

	err := ch.Submit(context.Background(), uuid.New().String(), true)
	if !errors.Is(err, casememory.ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
}
