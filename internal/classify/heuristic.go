// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// HeuristicThresholds tune the built-in classifier.
type HeuristicThresholds struct {
	// AuthFailures in a batch with AuthFailureRate of failures suggests
	// a temporary block on authentication endpoints.
	AuthFailures    int
	AuthFailureRate float64

	// FailureRate of at least MinRequests requests suggests a captcha.
	FailureRate float64
	MinRequests int

	// VelocityRequests in one batch suggests a delay.
	VelocityRequests int
}

// DefaultHeuristicThresholds are conservative enough to avoid mitigating
// ordinary bursts.
func DefaultHeuristicThresholds() HeuristicThresholds {
	return HeuristicThresholds{
		AuthFailures:     10,
		AuthFailureRate:  0.8,
		FailureRate:      0.5,
		MinRequests:      20,
		VelocityRequests: 100,
	}
}

// Heuristic is the built-in threshold classifier. It needs no external
// service, which makes it both the zero-dependency default and the
// degraded-mode fallback behind the HTTP backend.
type Heuristic struct {
	thresholds HeuristicThresholds
}

// NewHeuristic creates a heuristic classifier.
func NewHeuristic(thresholds HeuristicThresholds) *Heuristic {
	return &Heuristic{thresholds: thresholds}
}

type actorStats struct {
	identity actor.Identity
	total    int
	failures int
}

// Classify aggregates per-actor counts and applies the thresholds. The
// ruleset text is ignored; thresholds are the ruleset here. Checks run
// strictest first so each actor yields at most one verdict.
func (h *Heuristic) Classify(_ context.Context, category string, records []traffic.Record, _ string) ([]Verdict, error) {
	start := time.Now()

	stats := make(map[string]*actorStats)
	for i := range records {
		key := records[i].Actor.Key()
		s, ok := stats[key]
		if !ok {
			s = &actorStats{identity: records[i].Actor}
			stats[key] = s
		}
		s.total++
		if records[i].Failed() {
			s.failures++
		}
	}

	var verdicts []Verdict
	for _, s := range stats {
		if v, ok := h.judge(category, s); ok {
			verdicts = append(verdicts, v)
		}
	}

	metrics.RecordClassifierCall("heuristic", "ok", time.Since(start))
	return verdicts, nil
}

func (h *Heuristic) judge(category string, s *actorStats) (Verdict, bool) {
	failureRate := 0.0
	if s.total > 0 {
		failureRate = float64(s.failures) / float64(s.total)
	}

	if category == "auth" && s.failures >= h.thresholds.AuthFailures && failureRate >= h.thresholds.AuthFailureRate {
		return Verdict{
			Actor:          s.identity,
			Category:       category,
			SuggestedLevel: mitigation.TemporaryBlock,
			Rationale: fmt.Sprintf("%d failed authentication attempts out of %d requests",
				s.failures, s.total),
			Confidence: failureRate,
		}, true
	}

	if s.total >= h.thresholds.MinRequests && failureRate >= h.thresholds.FailureRate {
		return Verdict{
			Actor:          s.identity,
			Category:       category,
			SuggestedLevel: mitigation.Captcha,
			Rationale: fmt.Sprintf("%.0f%% of %d requests failed",
				failureRate*100, s.total),
			Confidence: failureRate,
		}, true
	}

	if s.total >= h.thresholds.VelocityRequests {
		return Verdict{
			Actor:          s.identity,
			Category:       category,
			SuggestedLevel: mitigation.Delay,
			Rationale:      fmt.Sprintf("%d requests in a single batch window", s.total),
			Confidence:     0.5,
		}, true
	}

	return Verdict{}, false
}
