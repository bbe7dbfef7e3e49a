// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package classify

import (
	"context"

	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// Classifier judges one category's records under a ruleset and returns
// suggested mitigations for actors that look abusive. Implementations
// must be safe for concurrent use; the pipeline fans categories out in
// parallel.
type Classifier interface {
	Classify(ctx context.Context, category string, records []traffic.Record, ruleset string) ([]Verdict, error)
}

// Fallback chains a primary backend with a secondary one. When the
// primary fails (timeout, circuit open, malformed response) the secondary
// judges the same records, keeping the pipeline productive in degraded
// mode.
type Fallback struct {
	Primary   Classifier
	Secondary Classifier
}

// NewFallback wraps primary with secondary as the degraded-mode backend.
func NewFallback(primary, secondary Classifier) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary}
}

// Classify tries the primary backend, then the secondary.
func (f *Fallback) Classify(ctx context.Context, category string, records []traffic.Record, ruleset string) ([]Verdict, error) {
	verdicts, err := f.Primary.Classify(ctx, category, records, ruleset)
	if err == nil {
		return verdicts, nil
	}

	logging.Ctx(ctx).Warn().
		Err(err).
		Str("category", category).
		Msg("primary classifier failed, using fallback")

	return f.Secondary.Classify(ctx, category, records, ruleset)
}
