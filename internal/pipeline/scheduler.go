// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package pipeline turns recorded traffic into calibrated mitigations. The
// scheduler drains the recorder on a fixed tick or as soon as the queue
// reaches its threshold, partitions the batch by category, fans
// classification out across categories, and hands validated verdicts to
// the calibrator. Batch runs are independent: the recorder keeps accepting
// traffic while a previous batch is still classifying.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/excubitor/internal/calibrate"
	"github.com/tomtom215/excubitor/internal/classify"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/logging"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/traffic"
)

// Batch drain triggers reported in metrics.
const (
	triggerTick      = "tick"
	triggerThreshold = "threshold"
	triggerShutdown  = "shutdown"
)

// Scheduler drives the classification pipeline. It implements
// suture.Service.
type Scheduler struct {
	cfg        config.PipelineConfig
	recorder   *traffic.Recorder
	classifier classify.Classifier
	rules      *classify.Rules
	calibrator *calibrate.Calibrator

	batchID atomic.Uint64
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the given recorder, classifier
// and calibrator. rules supplies the per-category rule text handed to
// the classifier; nil selects the built-in default ruleset.
func NewScheduler(cfg config.PipelineConfig, recorder *traffic.Recorder, classifier classify.Classifier, rules *classify.Rules, calibrator *calibrate.Calibrator) *Scheduler {
	if rules == nil {
		rules = classify.NewRules("", nil)
	}
	return &Scheduler{
		cfg:        cfg,
		recorder:   recorder,
		classifier: classifier,
		rules:      rules,
		calibrator: calibrator,
	}
}

// Serve implements suture.Service. It drains on every flush tick and on
// every threshold signal, whichever fires first; a threshold drain resets
// the tick. On shutdown any still-queued records get a final batch.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().
		Dur("flush_interval", s.cfg.FlushInterval).
		Int("batch_threshold", s.cfg.BatchThreshold).
		Msg("pipeline scheduler started")

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx), triggerShutdown)
			s.wg.Wait()
			return ctx.Err()

		case <-ticker.C:
			s.drainAsync(ctx, triggerTick)

		case <-s.recorder.C():
			s.drainAsync(ctx, triggerThreshold)
			ticker.Reset(s.cfg.FlushInterval)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Scheduler) String() string {
	return "pipeline-scheduler"
}

// Batches returns the number of non-empty batches processed so far.
func (s *Scheduler) Batches() uint64 {
	return s.batchID.Load()
}

// drainAsync runs the batch in its own goroutine so a slow classifier
// never delays the next drain decision.
func (s *Scheduler) drainAsync(ctx context.Context, trigger string) {
	records := s.recorder.Drain()
	if len(records) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(ctx, trigger, records)
	}()
}

// drain runs a batch synchronously. Used for the final shutdown flush.
func (s *Scheduler) drain(ctx context.Context, trigger string) {
	records := s.recorder.Drain()
	if len(records) == 0 {
		return
	}
	s.process(ctx, trigger, records)
}

func (s *Scheduler) process(ctx context.Context, trigger string, records []traffic.Record) {
	start := time.Now()
	batch := s.batchID.Add(1)
	categories := partition(records)

	log := logging.With().
		Uint64("batch", batch).
		Str("trigger", trigger).
		Logger()
	log.Debug().
		Int("records", len(records)).
		Int("categories", len(categories)).
		Msg("processing batch")

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.MaxConcurrentCategories > 0 {
		g.SetLimit(s.cfg.MaxConcurrentCategories)
	}

	for category, group := range categories {
		metrics.PipelineCategorySize.WithLabelValues(category).Observe(float64(len(group)))
		g.Go(func() error {
			s.classifyCategory(gctx, log, batch, category, group, records)
			return nil
		})
	}
	// Goroutines never return errors; a category failure only costs that
	// category its verdicts for this batch.
	_ = g.Wait()

	metrics.RecordBatch(trigger, len(records), time.Since(start))
}

func (s *Scheduler) classifyCategory(ctx context.Context, log zerolog.Logger, batch uint64, category string, group, all []traffic.Record) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	defer cancel()

	verdicts, err := s.classifier.Classify(cctx, category, group, s.rules.For(category))
	if err != nil {
		// Not retried here; persistent offenders resurface next batch
		log.Warn().
			Err(err).
			Str("category", category).
			Msg("classification failed, zero verdicts for category")
		return
	}

	for _, v := range classify.ValidateVerdicts(verdicts, all) {
		if _, err := s.calibrator.Calibrate(ctx, batch, v); err != nil {
			log.Error().
				Err(err).
				Str("actor", v.Actor.Key()).
				Str("category", v.Category).
				Msg("calibration failed")
		}
	}
}

// partition groups a batch by category. Every record lands in exactly one
// group; the categorizer guarantees totality.
func partition(records []traffic.Record) map[string][]traffic.Record {
	groups := make(map[string][]traffic.Record)
	for _, rec := range records {
		category := rec.Category
		if category == "" {
			category = traffic.CategoryGeneral
		}
		groups[category] = append(groups[category], rec)
	}
	return groups
}
