// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package traffic captures compact observations of guarded requests and
// feeds them to the classification pipeline. Capture is strictly
// non-blocking: when the queue is full the oldest observation is dropped
// rather than stalling the request path.
package traffic

import (
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
)

// Record is one observed request. It carries only the compact features the
// classifier needs: a bounded payload excerpt, never the full body.
type Record struct {
	ID             string         `json:"id"`
	Actor          actor.Identity `json:"actor"`
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Status         int            `json:"status"`
	Latency        time.Duration  `json:"latency"`
	PayloadBytes   int64          `json:"payload_bytes"`
	PayloadExcerpt string         `json:"payload_excerpt,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Category       string         `json:"category"`
	ObservedAt     time.Time      `json:"observed_at"`
}

// Failed reports whether the request ended in a client or server error.
func (r *Record) Failed() bool {
	return r.Status >= 400
}
