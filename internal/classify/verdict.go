// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package classify turns batches of traffic records into per-actor abuse
// verdicts. Backends share one contract: given a category's records,
// return suggested mitigations for the actors that look abusive. Verdicts
// are suggestions only; the calibrator decides what is committed.
package classify

import (
	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// Verdict is one backend suggestion: this actor, in this category, looked
// abusive enough to warrant the suggested tier.
type Verdict struct {
	Actor          actor.Identity   `json:"actor"`
	Category       string           `json:"category"`
	SuggestedLevel mitigation.Level `json:"suggested_level"`
	Rationale      string           `json:"rationale"`
	Confidence     float64          `json:"confidence"`
}

// ValidateVerdicts filters a backend's raw verdicts. A verdict is
// discarded when it names no actor at all or carries an unknown or None
// tier. Verdicts for actors outside the batch are kept: a backend with
// historical context may flag an actor whose records landed in an earlier
// batch.
func ValidateVerdicts(verdicts []Verdict, batch []traffic.Record) []Verdict {
	known := make(map[string]struct{}, len(batch))
	for i := range batch {
		known[batch[i].Actor.Key()] = struct{}{}
	}

	valid := verdicts[:0]
	for _, v := range verdicts {
		if v.Actor.IsZero() {
			logging.Warn().
				Str("category", v.Category).
				Msg("discarding verdict without an actor")
			metrics.ClassifierDiscardedVerdicts.Inc()
			continue
		}
		if _, ok := known[v.Actor.Key()]; !ok {
			logging.Debug().
				Str("actor", v.Actor.Key()).
				Str("category", v.Category).
				Msg("verdict references actor outside the current batch")
		}
		if !v.SuggestedLevel.Valid() || v.SuggestedLevel == mitigation.None {
			logging.Warn().
				Str("actor", v.Actor.Key()).
				Int("level", int(v.SuggestedLevel)).
				Msg("discarding verdict with invalid mitigation level")
			metrics.ClassifierDiscardedVerdicts.Inc()
			continue
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			v.Confidence = 0
		}
		metrics.ClassifierVerdicts.WithLabelValues(v.Category, v.SuggestedLevel.String()).Inc()
		valid = append(valid, v)
	}
	return valid
}
