// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package classify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// HTTPClassifier calls an external model endpoint to judge a category's
// records. Calls are rate limited client-side and wrapped in a circuit
// breaker; when the breaker is open, Classify fails fast so the Fallback
// wrapper can hand the batch to the heuristic backend.
type HTTPClassifier struct {
	url     string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]Verdict]
}

// NewHTTPClassifier creates an HTTP-backed classifier from configuration.
func NewHTTPClassifier(cfg config.ClassifierConfig) *HTTPClassifier {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	settings := gobreaker.Settings{
		Name:    "classifier",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.ClassifierBreakerState.Set(open)
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("classifier circuit breaker state change")
		},
	}

	return &HTTPClassifier{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker[[]Verdict](settings),
	}
}

// Wire types for the classification endpoint. Records are projected to
// compact features; bodies never leave the process.
type classifyRequest struct {
	Model    string       `json:"model,omitempty"`
	Category string       `json:"category"`
	Ruleset  string       `json:"ruleset,omitempty"`
	Records  []recordWire `json:"records"`
}

type recordWire struct {
	Actor        string `json:"actor"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	Status       int    `json:"status"`
	LatencyMS    int64  `json:"latency_ms"`
	PayloadBytes int64  `json:"payload_bytes"`
	UserAgent    string `json:"user_agent,omitempty"`
	ObservedAt   string `json:"observed_at"`
}

type classifyResponse struct {
	Verdicts []verdictWire `json:"verdicts"`
}

type verdictWire struct {
	Actor      string  `json:"actor"`
	Level      string  `json:"level"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// Classify sends the category's records and ruleset to the model
// endpoint.
func (c *HTTPClassifier) Classify(ctx context.Context, category string, records []traffic.Record, ruleset string) ([]Verdict, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("classifier rate limiter: %w", err)
		}
	}

	start := time.Now()
	verdicts, err := c.breaker.Execute(func() ([]Verdict, error) {
		return c.call(ctx, category, records, ruleset)
	})
	if err != nil {
		result := "error"
		if ctx.Err() != nil {
			result = "timeout"
		} else if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			result = "rejected"
		}
		metrics.RecordClassifierCall("http", result, time.Since(start))
		return nil, err
	}

	metrics.RecordClassifierCall("http", "ok", time.Since(start))
	return verdicts, nil
}

func (c *HTTPClassifier) call(ctx context.Context, category string, records []traffic.Record, ruleset string) ([]Verdict, error) {
	payload := classifyRequest{
		Model:    c.model,
		Category: category,
		Ruleset:  ruleset,
		Records:  make([]recordWire, 0, len(records)),
	}
	for i := range records {
		r := &records[i]
		payload.Records = append(payload.Records, recordWire{
			Actor:        r.Actor.Key(),
			Method:       r.Method,
			Path:         r.Path,
			Status:       r.Status,
			LatencyMS:    r.Latency.Milliseconds(),
			PayloadBytes: r.PayloadBytes,
			UserAgent:    r.UserAgent,
			ObservedAt:   r.ObservedAt.UTC().Format(time.RFC3339),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var decoded classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}

	verdicts := make([]Verdict, 0, len(decoded.Verdicts))
	for _, w := range decoded.Verdicts {
		id, err := actor.ParseKey(w.Actor)
		if err != nil {
			logging.Ctx(ctx).Warn().
				Str("actor", w.Actor).
				Msg("classifier returned unparseable actor key")
			metrics.ClassifierDiscardedVerdicts.Inc()
			continue
		}
		level, err := mitigation.ParseLevel(w.Level)
		if err != nil {
			logging.Ctx(ctx).Warn().
				Str("actor", w.Actor).
				Str("level", w.Level).
				Msg("classifier returned unknown mitigation level")
			metrics.ClassifierDiscardedVerdicts.Inc()
			continue
		}
		verdicts = append(verdicts, Verdict{
			Actor:          id,
			Category:       category,
			SuggestedLevel: level,
			Rationale:      w.Rationale,
			Confidence:     w.Confidence,
		})
	}

	return verdicts, nil
}
