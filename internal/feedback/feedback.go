// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package feedback records operator judgments on calibrated cases. A
// judgment lands in the durable case store first, then in the in-memory
// similarity index, so future calibrations for similar traffic see it.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
)

// Channel accepts feedback submissions for calibrated cases.
type Channel struct {
	cases *casememory.Store
	index *casememory.Index

	now func() time.Time
}

// NewChannel creates a feedback channel over the given case store and
// similarity index.
func NewChannel(cases *casememory.Store, index *casememory.Index) *Channel {
	return &Channel{
		cases: cases,
		index: index,
		now:   time.Now,
	}
}

// Submit attaches a correct/incorrect judgment to a case. Resubmission
// overwrites the previous judgment. Returns casememory.ErrCaseNotFound
// when the case does not exist.
func (c *Channel) Submit(ctx context.Context, caseID string, correct bool) error {
	fb := casememory.FeedbackIncorrect
	if correct {
		fb = casememory.FeedbackCorrect
	}

	at := c.now()
	if err := c.cases.AttachFeedback(ctx, caseID, fb, at); err != nil {
		return fmt.Errorf("attach feedback to case %s: %w", caseID, err)
	}
	c.index.UpdateFeedback(caseID, fb)

	metrics.RecordFeedback(correct)
	logging.Ctx(ctx).Info().
		Str("case_id", caseID).
		Str("feedback", string(fb)).
		Msg("feedback recorded")

	return nil
}
