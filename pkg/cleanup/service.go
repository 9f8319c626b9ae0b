// Package cleanup enforces data retention.
package cleanup

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/services"
)

// sweepBatch bounds how many runs one deletion statement may remove.
const sweepBatch = 500

// Service periodically enforces retention policies:
//   - Deletes terminal runs past the retention window, with their checkpoints
//   - Deletes run_events rows past their TTL
//
// All deletions are idempotent and safe to run from multiple instances.
type Service struct {
	cfg    config.RetentionConfig
	runs   *services.RunService
	events *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention sweeper.
func NewService(cfg config.RetentionConfig, runs *services.RunService, events *services.EventService) *Service {
	return &Service{
		cfg:    cfg,
		runs:   runs,
		events: events,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"run_retention_days", s.cfg.RunRetentionDays,
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	timer := time.NewTimer(s.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.jittered())
		}
	}
}

// jittered spreads sweeps by up to 10% of the interval so replicas sharing
// a database do not fire in lockstep.
func (s *Service) jittered() time.Duration {
	interval := s.cfg.CleanupInterval
	if jitter := int64(interval / 10); jitter > 0 {
		interval += time.Duration(rand.Int64N(jitter))
	}
	return interval
}

func (s *Service) sweep(ctx context.Context) {
	s.sweepRuns(ctx)
	s.sweepEvents(ctx)
}

func (s *Service) sweepRuns(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RunRetentionDays)

	var total int64
	for {
		n, err := s.runs.DeleteTerminalBefore(ctx, cutoff, sweepBatch)
		if err != nil {
			slog.Error("Retention: run sweep failed", "error", err)
			return
		}
		total += n
		if n < sweepBatch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		slog.Info("Retention: deleted expired runs", "count", total)
	}
}

func (s *Service) sweepEvents(ctx context.Context) {
	count, err := s.events.DeleteBefore(ctx, time.Now().Add(-s.cfg.EventTTL))
	if err != nil {
		slog.Error("Retention: event sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired events", "count", count)
	}
}
