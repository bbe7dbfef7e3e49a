// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package calibrate reconciles classifier verdicts with prior case
// outcomes and commits the resulting mitigations. The classifier only
// suggests; everything that actually restricts an actor goes through
// here.
package calibrate

import (
	"fmt"

	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/mitigation"
)

// Outcome labels what calibration did to the suggested tier.
type Outcome string

const (
	// OutcomeAdopt means the suggestion was applied unchanged.
	OutcomeAdopt Outcome = "adopt"

	// OutcomeDowngrade means prior false positives softened the tier.
	OutcomeDowngrade Outcome = "downgrade"

	// OutcomeEscalate means actor recurrence hardened the tier.
	OutcomeEscalate Outcome = "escalate"

	// OutcomeFloor means an active stricter mitigation held the tier up.
	OutcomeFloor Outcome = "floor"
)

// decide applies the calibration policy to a suggested tier.
//
// Downgrade: when a majority of the retrieved prior cases were judged
// incorrect at the same tier, the suggestion softens one tier. The index
// is telling us this suggestion, in this neighborhood, tends to be a
// false positive.
//
// Escalate: when the actor has recurred across enough recent batches and
// no similar prior case at or below the suggested tier was judged
// incorrect, the suggestion hardens one tier. Repeat offenders do not get
// the same tier forever.
//
// Downgrade is evaluated first; an actor with a false-positive history is
// never escalated on the same evidence.
func decide(suggested mitigation.Level, similar []casememory.Scored, recurrent bool) (mitigation.Level, Outcome) {
	if len(similar) > 0 {
		incorrectSame := 0
		for _, s := range similar {
			if s.Entry.Feedback == casememory.FeedbackIncorrect && s.Entry.Applied == suggested {
				incorrectSame++
			}
		}
		if incorrectSame*2 > len(similar) {
			return suggested.Downgrade(), OutcomeDowngrade
		}
	}

	if recurrent && !hasIncorrectAtOrBelow(similar, suggested) {
		return suggested.Escalate(), OutcomeEscalate
	}

	return suggested, OutcomeAdopt
}

// calibrationNote renders the calibration side of a case rationale. The
// persisted text carries both the verdict's reasoning and what
// calibration did with it.
func calibrationNote(outcome Outcome, suggested, applied mitigation.Level, similar int) string {
	switch outcome {
	case OutcomeDowngrade:
		return fmt.Sprintf("calibration: downgraded %s to %s, majority of %d similar cases judged incorrect at that tier",
			suggested, applied, similar)
	case OutcomeEscalate:
		return fmt.Sprintf("calibration: escalated %s to %s, actor recurring across batches with no contrary feedback",
			suggested, applied)
	case OutcomeFloor:
		return fmt.Sprintf("calibration: held at active %s, suggested %s would weaken it",
			applied, suggested)
	default:
		return fmt.Sprintf("calibration: adopted %s, %d similar cases with no overriding signal",
			applied, similar)
	}
}

// hasIncorrectAtOrBelow reports whether any retrieved case at or below the
// suggested tier carries incorrect feedback.
func hasIncorrectAtOrBelow(similar []casememory.Scored, suggested mitigation.Level) bool {
	for _, s := range similar {
		if s.Entry.Feedback == casememory.FeedbackIncorrect && s.Entry.Applied <= suggested {
			return true
		}
	}
	return false
}
