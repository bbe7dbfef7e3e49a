// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package gate is the inline interception point. Every guarded request
// passes through its middleware: derive the actor, look up the active
// mitigation, apply the tier's policy, and record the completed request
// for the classification pipeline.
//
// The gate fails open. A mitigation store read error is treated as "no
// active mitigation" so that a degraded store never turns the guard into
// a denial of service against the API it protects. Fail-open events are
// counted and logged.
package gate

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// Decision outcomes reported in metrics.
const (
	outcomeProceed    = "proceed"
	outcomeDelayed    = "delayed"
	outcomeChallenged = "challenged"
	outcomeBlocked    = "blocked"
	outcomeFailOpen   = "fail_open"
)

// ChallengeVerifier checks a challenge token presented by an actor under
// a captcha mitigation. Token issuance lives outside the gate; the
// default verifier accepts a token equal to the mitigation's case ID,
// which the challenge response hands out as the challenge reference.
type ChallengeVerifier func(id actor.Identity, active *mitigation.Active, token string) bool

func defaultVerifier(_ actor.Identity, active *mitigation.Active, token string) bool {
	return token != "" && token == active.CaseID
}

// Gate wraps downstream handlers with mitigation enforcement and traffic
// capture.
type Gate struct {
	cfg         config.GateConfig
	store       mitigation.Store
	recorder    *traffic.Recorder
	categorizer *traffic.Categorizer
	verify      ChallengeVerifier

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a gate over the given mitigation store and recorder.
func New(cfg config.GateConfig, store mitigation.Store, recorder *traffic.Recorder, categorizer *traffic.Categorizer) *Gate {
	return &Gate{
		cfg:         cfg,
		store:       store,
		recorder:    recorder,
		categorizer: categorizer,
		verify:      defaultVerifier,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// SetChallengeVerifier replaces the default challenge token check.
func (g *Gate) SetChallengeVerifier(v ChallengeVerifier) {
	if v != nil {
		g.verify = v
	}
}

// Middleware enforces the strictest active mitigation across the
// request's identities (account and client IP) before the request
// reaches next, then records the completed request.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ids := actor.Identities(r, g.cfg.ActorHeader)
		id := ids[0]

		lookupStart := g.now()
		active, failedAll := g.lookupStrictest(r.Context(), ids)
		lookup := g.now().Sub(lookupStart)
		if failedAll {
			metrics.RecordGateDecision(mitigation.None.String(), outcomeFailOpen, lookup)
			g.proceed(next, w, r, id)
			return
		}

		level := mitigation.None
		if active != nil {
			level = active.Level
		}

		switch level {
		case mitigation.None:
			metrics.RecordGateDecision(level.String(), outcomeProceed, lookup)
			g.proceed(next, w, r, id)

		case mitigation.Delay:
			hold := g.jitteredDelay()
			g.sleep(hold)
			metrics.GateDelayHold.Observe(hold.Seconds())
			metrics.RecordGateDecision(level.String(), outcomeDelayed, lookup)
			g.proceed(next, w, r, id)

		case mitigation.Captcha:
			token := r.Header.Get(g.cfg.ChallengeHeader)
			if g.verify(id, active, token) {
				metrics.RecordGateDecision(level.String(), outcomeProceed, lookup)
				g.proceed(next, w, r, id)
				return
			}
			metrics.RecordGateDecision(level.String(), outcomeChallenged, lookup)
			g.challenge(w, r, id, active)

		default:
			// TemporaryBlock and PermanentBan: the request never reaches
			// downstream.
			metrics.RecordGateDecision(level.String(), outcomeBlocked, lookup)
			g.reject(w, r, id, active)
		}
	})
}

// lookupStrictest reads the mitigation for every identity the request
// maps to and returns the strictest active one, so an IP-level block
// holds even when the request also carries an account identity. A failed
// read fails open for that identity only; failedAll reports that every
// lookup failed.
func (g *Gate) lookupStrictest(ctx context.Context, ids []actor.Identity) (strictest *mitigation.Active, failedAll bool) {
	failed := 0
	for _, id := range ids {
		active, err := g.store.Get(ctx, id)
		if err != nil {
			failed++
			metrics.GateFailOpen.Inc()
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("actor", id.Key()).
				Msg("mitigation lookup failed, allowing request")
			continue
		}
		if active != nil && (strictest == nil || active.Level > strictest.Level) {
			strictest = active
		}
	}
	return strictest, failed == len(ids)
}

// maxPayloadExcerpt bounds the request body prefix carried on a record.
const maxPayloadExcerpt = 256

// proceed runs the downstream handler and records the completed request.
// Recording never blocks and never fails the response. The chi wrapper
// keeps Flusher and Hijacker visible so streaming upstreams work behind
// the gate.
func (g *Gate) proceed(next http.Handler, w http.ResponseWriter, r *http.Request, id actor.Identity) {
	wrapper := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	var body *excerptReader
	if r.Body != nil && r.Body != http.NoBody {
		body = &excerptReader{rc: r.Body}
		r.Body = body
	}
	start := g.now()
	next.ServeHTTP(wrapper, r)
	latency := g.now().Sub(start)

	status := wrapper.Status()
	if status == 0 {
		status = http.StatusOK
	}

	g.recorder.Record(traffic.Record{
		ID:             uuid.New().String(),
		Actor:          id,
		Method:         r.Method,
		Path:           r.URL.Path,
		Status:         status,
		Latency:        latency,
		PayloadBytes:   max(r.ContentLength, 0),
		PayloadExcerpt: body.excerpt(),
		UserAgent:      r.UserAgent(),
		Category:       g.categorizer.Categorize(r.Method, r.URL.Path),
		ObservedAt:     start,
	})
}

func (g *Gate) jitteredDelay() time.Duration {
	span := g.cfg.DelayMax - g.cfg.DelayMin
	if span <= 0 {
		return g.cfg.DelayMin
	}
	return g.cfg.DelayMin + rand.N(span)
}

func (g *Gate) challenge(w http.ResponseWriter, r *http.Request, id actor.Identity, active *mitigation.Active) {
	logging.Ctx(r.Context()).Debug().
		Str("actor", id.Key()).
		Str("case_id", active.CaseID).
		Msg("challenge issued")
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":     "challenge_required",
		"challenge": active.CaseID,
	})
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, id actor.Identity, active *mitigation.Active) {
	logging.Ctx(r.Context()).Info().
		Str("actor", id.Key()).
		Str("level", active.Level.String()).
		Str("case_id", active.CaseID).
		Msg("request blocked")
	writeJSON(w, http.StatusForbidden, map[string]string{
		"error": "forbidden",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// excerptReader tees the first bytes read from a request body so the
// record can carry an opaque payload excerpt without buffering the body.
type excerptReader struct {
	rc  io.ReadCloser
	buf []byte
}

func (e *excerptReader) Read(p []byte) (int, error) {
	n, err := e.rc.Read(p)
	if n > 0 && len(e.buf) < maxPayloadExcerpt {
		take := min(maxPayloadExcerpt-len(e.buf), n)
		e.buf = append(e.buf, p[:take]...)
	}
	return n, err
}

func (e *excerptReader) Close() error { return e.rc.Close() }

func (e *excerptReader) excerpt() string {
	if e == nil {
		return ""
	}
	return string(e.buf)
}

