// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package api

import (
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/calibrate"
	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/feedback"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
	"github.com/tomtom215/excubitor/internal/validation"
)

// BatchCounter reports how many pipeline batches have run.
type BatchCounter interface {
	Batches() uint64
}

// Handlers holds the endpoint implementations and their dependencies.
type Handlers struct {
	cfg        config.APIConfig
	store      mitigation.Store
	cases      *casememory.Store
	index      *casememory.Index
	feedback   *feedback.Channel
	calibrator *calibrate.Calibrator
	recorder   *traffic.Recorder
	batches    BatchCounter
	db         *sql.DB

	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(
	cfg config.APIConfig,
	store mitigation.Store,
	cases *casememory.Store,
	index *casememory.Index,
	fb *feedback.Channel,
	calibrator *calibrate.Calibrator,
	recorder *traffic.Recorder,
	batches BatchCounter,
	db *sql.DB,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		store:      store,
		cases:      cases,
		index:      index,
		feedback:   fb,
		calibrator: calibrator,
		recorder:   recorder,
		batches:    batches,
		db:         db,
		started:    time.Now(),
	}
}

// mitigationDTO is the wire form of an active mitigation.
type mitigationDTO struct {
	Actor     string     `json:"actor"`
	Level     string     `json:"level"`
	Reason    string     `json:"reason,omitempty"`
	CaseID    string     `json:"case_id,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toMitigationDTO(m *mitigation.Active) mitigationDTO {
	dto := mitigationDTO{
		Actor:     m.Actor.Key(),
		Level:     m.Level.String(),
		Reason:    m.Reason,
		CaseID:    m.CaseID,
		AppliedAt: m.AppliedAt,
	}
	if !m.ExpiresAt.IsZero() {
		expires := m.ExpiresAt
		dto.ExpiresAt = &expires
	}
	return dto
}

// ListMitigations returns the active mitigation set with per-level counts.
func (h *Handlers) ListMitigations(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to list mitigations", err)
		return
	}

	dtos := make([]mitigationDTO, 0, len(entries))
	counts := make(map[string]int)
	for _, m := range entries {
		dtos = append(dtos, toMitigationDTO(m))
		counts[m.Level.String()]++
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"mitigations": dtos,
		"counts":      counts,
	})
}

// DeleteMitigation lifts an actor's mitigation. The path parameter is the
// URL-encoded canonical actor key, e.g. "ip:203.0.113.7".
func (h *Handlers) DeleteMitigation(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "actor"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed actor key", err)
		return
	}

	id, err := actor.ParseKey(key)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed actor key", err)
		return
	}

	active, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read mitigation", err)
		return
	}
	if active == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "No active mitigation for actor", nil)
		return
	}

	if err := h.calibrator.ClearActor(r.Context(), key); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to clear mitigation", err)
		return
	}

	respondData(w, http.StatusOK, map[string]string{
		"actor":  key,
		"lifted": active.Level.String(),
	})
}

// ListCases returns calibrated cases, paginated and filtered.
func (h *Handlers) ListCases(w http.ResponseWriter, r *http.Request) {
	req, err := parseListCasesRequest(r, h.cfg)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed date filter, expected RFC3339", err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidationError(w, verr.Error(), verr.Details())
		return
	}

	filter := casememory.CaseFilter{
		ActorKey:       req.ActorKey,
		Category:       req.Category,
		OrderBy:        req.OrderBy,
		OrderDirection: req.Order,
		Limit:          req.Limit,
		Offset:         req.Offset,
	}
	if req.Level != "" {
		filter.AppliedLevels = []string{req.Level}
	}
	if req.Feedback != "" {
		fb := casememory.Feedback(req.Feedback)
		if req.Feedback == "none" {
			fb = casememory.FeedbackNone
		}
		filter.Feedback = &fb
	}
	if !req.Start.IsZero() {
		filter.StartDate = &req.Start
	}
	if !req.End.IsZero() {
		filter.EndDate = &req.End
	}

	total, err := h.cases.CountCases(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count cases", err)
		return
	}
	cases, err := h.cases.ListCases(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list cases", err)
		return
	}

	respondList(w, cases, total, req.Limit, req.Offset)
}

// GetCase returns one calibrated case by ID.
func (h *Handlers) GetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.cases.GetCase(r.Context(), id)
	if err != nil {
		if errors.Is(err, casememory.ErrCaseNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Case not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load case", err)
		return
	}

	respondData(w, http.StatusOK, c)
}

// SubmitFeedback attaches a correct/incorrect judgment to a case.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed JSON body", err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidationError(w, verr.Error(), verr.Details())
		return
	}

	if err := h.feedback.Submit(r.Context(), id, *req.Correct); err != nil {
		if errors.Is(err, casememory.ErrCaseNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Case not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to record feedback", err)
		return
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"case_id": id,
		"correct": *req.Correct,
	})
}

// Stats returns a pipeline overview for dashboards.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to list mitigations", err)
		return
	}
	byLevel := make(map[string]int)
	for _, m := range entries {
		byLevel[m.Level.String()]++
	}

	totalCases, err := h.cases.CountCases(r.Context(), casememory.CaseFilter{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count cases", err)
		return
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":       int(time.Since(h.started).Seconds()),
		"queue_depth":          h.recorder.Len(),
		"records_dropped":      h.recorder.Dropped(),
		"batches_processed":    h.batches.Batches(),
		"active_mitigations":   len(entries),
		"mitigations_by_level": byLevel,
		"total_cases":          totalCases,
		"indexed_cases":        h.index.Len(),
	})
}

// HealthLive reports process liveness.
func (h *Handlers) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady reports readiness: the case store must answer.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "NOT_READY", "Case store unavailable", err)
			return
		}
	}
	respondData(w, http.StatusOK, map[string]string{"status": "ready"})
}
