// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/excubitor/internal/config"
)

// listCasesRequest carries the validated query parameters of GET /cases.
type listCasesRequest struct {
	Limit    int    `validate:"min=1,max=500"`
	Offset   int    `validate:"min=0"`
	ActorKey string `validate:"omitempty,max=256"`
	Category string `validate:"omitempty,max=64"`
	Level    string `validate:"omitempty,oneof=none delay captcha temporary_block permanent_ban"`
	Feedback string `validate:"omitempty,oneof=correct incorrect none"`
	OrderBy  string `validate:"omitempty,oneof=created_at confidence category applied_level"`
	Order    string `validate:"omitempty,oneof=asc desc ASC DESC"`
	Start    time.Time
	End      time.Time
}

// feedbackRequest is the body of POST /cases/{id}/feedback.
type feedbackRequest struct {
	Correct *bool `json:"correct" validate:"required"`
}

// parseListCasesRequest extracts and bounds the query parameters. An
// unparseable date is rejected; unparseable numbers fall back to
// defaults so a sloppy dashboard still gets a page.
func parseListCasesRequest(r *http.Request, cfg config.APIConfig) (listCasesRequest, error) {
	q := r.URL.Query()

	req := listCasesRequest{
		Limit:    cfg.DefaultPageSize,
		ActorKey: q.Get("actor"),
		Category: q.Get("category"),
		Level:    q.Get("level"),
		Feedback: q.Get("feedback"),
		OrderBy:  q.Get("order_by"),
		Order:    q.Get("order"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Limit = n
		}
	}
	if req.Limit > cfg.MaxPageSize {
		req.Limit = cfg.MaxPageSize
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Offset = n
		}
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, err
		}
		req.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, err
		}
		req.End = t
	}

	return req, nil
}
