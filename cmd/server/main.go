// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package main is the entry point for the Excubitor daemon.
//
// Excubitor sits in front of an API as an inline guard. Every request
// passes the interception gate, which enforces the actor's active
// mitigation before proxying to the upstream. Completed requests are
// recorded and periodically classified in batches; verdicts are
// calibrated against prior cases before any mitigation is committed.
//
// The daemon runs under a suture supervision tree with two layers:
//
//   - pipeline: batch scheduler and mitigation sweeper
//   - api: the HTTP server carrying the guarded proxy and the
//     management API
//
// A pipeline crash restarts in isolation; the gate keeps enforcing the
// mitigations already committed until their TTLs lapse.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, a YAML config file, built-in
// defaults. CONFIG_PATH points at the file explicitly.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the listener stops
// accepting connections, queued records get a final batch, and the
// stores close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tomtom215/excubitor/internal/api"
	"github.com/tomtom215/excubitor/internal/calibrate"
	"github.com/tomtom215/excubitor/internal/casememory"
	"github.com/tomtom215/excubitor/internal/classify"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/feedback"
	"github.com/tomtom215/excubitor/internal/gate"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/pipeline"
	"github.com/tomtom215/excubitor/internal/supervisor"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// indexRebuildLimit bounds how many recent cases seed the similarity
// index at startup.
const indexRebuildLimit = 50000

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("environment", cfg.Server.Environment).
		Bool("gate_enabled", cfg.Gate.Enabled).
		Str("classifier_mode", cfg.Classifier.Mode).
		Str("mitigation_store", cfg.Mitigation.Store).
		Msg("Starting Excubitor")

	// Mitigation store, on the hot path of every request
	store, err := mitigation.NewStore(cfg.Mitigation)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open mitigation store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing mitigation store")
		}
	}()

	// Durable case memory plus the in-memory similarity index
	db, err := casememory.OpenDB(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open case database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing case database")
		}
	}()

	cases := casememory.NewStore(db)
	if err := cases.InitSchema(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize case schema")
	}

	index := casememory.NewIndex()
	entries, err := cases.LoadIndexEntries(context.Background(), indexRebuildLimit)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load case index")
	}
	index.Rebuild(entries)
	logging.Info().Int("cases", len(entries)).Msg("Similarity index rebuilt")

	classifier := buildClassifier(cfg.Classifier)

	recorder := traffic.NewRecorder(cfg.Recorder.QueueCapacity, cfg.Pipeline.BatchThreshold)
	categorizer := traffic.NewCategorizer(traffic.DefaultCategoryRules)
	recurrence := traffic.NewRecurrenceTracker(cfg.Calibration.RecurrenceWindow)

	ttls := mitigation.TTLPolicy{
		Delay:          cfg.Mitigation.DelayTTL,
		Captcha:        cfg.Mitigation.CaptchaTTL,
		TemporaryBlock: cfg.Mitigation.TemporaryBlockTTL,
	}
	calibrator := calibrate.New(cfg.Calibration, ttls, store, cases, index, recurrence)
	rules := classify.NewRules(cfg.Classifier.Ruleset, cfg.Classifier.CategoryRulesets)
	scheduler := pipeline.NewScheduler(cfg.Pipeline, recorder, classifier, rules, calibrator)

	guard := gate.New(cfg.Gate, store, recorder, categorizer)

	// Management API
	handlers := api.NewHandlers(
		cfg.API, store, cases, index,
		feedback.NewChannel(cases, index),
		calibrator, recorder, scheduler, db,
	)
	chimw := api.NewChiMiddleware(api.NewChiMiddlewareConfig(cfg.Security))
	management := api.NewRouter(handlers, chimw).Setup()

	rootHandler, err := buildRootHandler(cfg, guard, management)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build HTTP handler")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           rootHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(scheduler)
	if sweepable, ok := store.(pipeline.SweepableStore); ok && cfg.Mitigation.SweepInterval > 0 {
		tree.AddPipelineService(pipeline.NewSweeper(sweepable, cfg.Mitigation.SweepInterval))
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Excubitor stopped gracefully")
}

// buildClassifier assembles the configured backend. The HTTP backend is
// always wrapped with the heuristic fallback so an open circuit breaker
// degrades to in-process rules instead of losing coverage.
func buildClassifier(cfg config.ClassifierConfig) classify.Classifier {
	heuristic := classify.NewHeuristic(classify.DefaultHeuristicThresholds())
	switch cfg.Mode {
	case "http":
		return classify.NewFallback(classify.NewHTTPClassifier(cfg), heuristic)
	default:
		return heuristic
	}
}

// buildRootHandler splits traffic between the management API and the
// guarded upstream proxy. Without an upstream URL only the management
// surface is served; the gate is then used as embeddable middleware by
// the host application.
func buildRootHandler(cfg *config.Config, guard *gate.Gate, management http.Handler) (http.Handler, error) {
	if cfg.Server.UpstreamURL == "" {
		logging.Info().Msg("No upstream configured, serving management API only")
		return management, nil
	}

	upstream, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.Ctx(r.Context()).Error().Err(err).Msg("upstream proxy error")
		w.WriteHeader(http.StatusBadGateway)
	}

	guarded := gate.RealIP(cfg.Gate.TrustedProxies)(guard.Middleware(proxy))
	logging.Info().Str("upstream", cfg.Server.UpstreamURL).Msg("Guarding upstream")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v1/") || r.URL.Path == "/metrics" {
			management.ServeHTTP(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	}), nil
}
