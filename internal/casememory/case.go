// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package casememory is the durable record of calibration decisions. Every
// committed mitigation produces a case; operator feedback attaches to
// cases; and the similarity index over past cases is what lets the
// calibrator learn from its own history.
package casememory

import (
	"errors"
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/mitigation"
)

// ErrCaseNotFound is returned when a case ID does not exist.
var ErrCaseNotFound = errors.New("case not found")

// Feedback is the operator's judgement of a decided case.
type Feedback string

const (
	// FeedbackNone means no operator has reviewed the case.
	FeedbackNone Feedback = ""

	// FeedbackCorrect confirms the mitigation was warranted.
	FeedbackCorrect Feedback = "correct"

	// FeedbackIncorrect marks the mitigation as a false positive.
	FeedbackIncorrect Feedback = "incorrect"
)

// Valid reports whether the feedback value is known.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackNone, FeedbackCorrect, FeedbackIncorrect:
		return true
	default:
		return false
	}
}

// Case is one calibration decision: what the classifier suggested, what
// was actually applied, and why. The fingerprint is a fixed-dimension
// vector over the rationale used for similarity retrieval.
type Case struct {
	ID             string           `json:"id"`
	Actor          actor.Identity   `json:"actor"`
	Category       string           `json:"category"`
	SuggestedLevel mitigation.Level `json:"suggested_level"`
	AppliedLevel   mitigation.Level `json:"applied_level"`
	Rationale      string           `json:"rationale"`
	Confidence     float64          `json:"confidence"`
	BatchID        uint64           `json:"batch_id"`
	Fingerprint    []float32        `json:"-"`
	Feedback       Feedback         `json:"feedback"`
	CreatedAt      time.Time        `json:"created_at"`
	FeedbackAt     *time.Time       `json:"feedback_at,omitempty"`
}
