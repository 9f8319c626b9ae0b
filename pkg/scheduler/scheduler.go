// Package scheduler bounds how many runs execute concurrently and keeps a
// per-run cancel registry so the API can cancel pending and running work
// alike. It is not a task queue: submissions live in process memory and are
// lost on restart; resume recovers interrupted runs from their checkpoints.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/metrics"
)

// Task executes one run. The pool guarantees every accepted task runs exactly
// once. When the run is cancelled or the pool shuts down before a slot frees,
// the task still runs, immediately and with an already cancelled context, so
// it can persist a terminal status instead of vanishing silently.
type Task func(ctx context.Context) error

// Pool supervises run execution under a fixed concurrency limit. Submissions
// beyond the limit wait in memory for a free slot.
type Pool struct {
	cfg     config.SchedulerConfig
	metrics *metrics.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	slots chan struct{}

	// Run cancel registry: run_id → cancel function, covering both
	// pending and running submissions.
	mu       sync.RWMutex
	active   map[string]context.CancelFunc
	running  int
	pending  int
	draining bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolHealth is a point-in-time snapshot of pool occupancy.
type PoolHealth struct {
	IsHealthy     bool `json:"is_healthy"`
	MaxConcurrent int  `json:"max_concurrent"`
	Running       int  `json:"running"`
	Pending       int  `json:"pending"`
	Draining      bool `json:"draining"`
}

// New creates a pool sized by cfg. m may be nil (metrics disabled).
func New(cfg config.SchedulerConfig, m *metrics.Metrics) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		metrics:    m,
		baseCtx:    ctx,
		baseCancel: cancel,
		slots:      make(chan struct{}, cfg.MaxConcurrentRuns),
		active:     make(map[string]context.CancelFunc),
	}
}

// Submit registers the run and schedules task. It returns immediately; the
// task starts once a slot frees. Submit fails when the pool is draining or
// runID is already registered.
func (p *Pool) Submit(runID string, task Task) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return fault.New(fault.KindInternal, "scheduler is draining")
	}
	if _, ok := p.active[runID]; ok {
		p.mu.Unlock()
		return fault.Newf(fault.KindInvalidInput, "run %s is already scheduled", runID)
	}
	runCtx, cancel := context.WithCancel(p.baseCtx)
	p.active[runID] = cancel
	p.pending++
	p.publishLoadLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise(runID, runCtx, cancel, task)
	return nil
}

// CancelRun triggers context cancellation for a run on this instance.
// Returns true if the run was found here.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Stop drains the pool: no new submissions are accepted, active runs get
// ShutdownGrace to finish, then every remaining run context is cancelled and
// Stop waits for the tasks to return. Safe to call multiple times.
func (p *Pool) Stop() {
	p.stopOnce.Do(p.drain)
}

func (p *Pool) drain() {
	p.mu.Lock()
	p.draining = true
	active := make([]string, 0, len(p.active))
	for id := range p.active {
		active = append(active, id)
	}
	p.mu.Unlock()

	slog.Info("Stopping run pool gracefully")
	if len(active) > 0 {
		slog.Info("Waiting for active runs to complete",
			"count", len(active),
			"run_ids", active)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		slog.Warn("Shutdown grace elapsed, cancelling remaining runs",
			"grace", p.cfg.ShutdownGrace)
		p.baseCancel()
		<-done
	}

	p.baseCancel()
	slog.Info("Run pool stopped gracefully")
}

// Health returns the current pool occupancy.
func (p *Pool) Health() PoolHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolHealth{
		IsHealthy:     !p.draining,
		MaxConcurrent: p.cfg.MaxConcurrentRuns,
		Running:       p.running,
		Pending:       p.pending,
		Draining:      p.draining,
	}
}

// supervise waits for a slot, runs the task, and releases the registry entry.
func (p *Pool) supervise(runID string, ctx context.Context, cancel context.CancelFunc, task Task) {
	defer p.wg.Done()
	defer cancel()

	holdsSlot := false
	select {
	case p.slots <- struct{}{}:
		holdsSlot = true
	case <-ctx.Done():
		// Cancelled while pending. The task runs anyway, without a
		// slot, so it can finalize the run with the dead context.
	}

	p.mu.Lock()
	p.pending--
	p.running++
	p.publishLoadLocked()
	p.mu.Unlock()

	defer func() {
		if holdsSlot {
			<-p.slots
		}
		p.mu.Lock()
		delete(p.active, runID)
		p.running--
		p.publishLoadLocked()
		p.mu.Unlock()
	}()

	if err := task(ctx); err != nil {
		slog.Error("Run execution failed", "run_id", runID, "error", err)
	}
}

func (p *Pool) publishLoadLocked() {
	if p.metrics != nil {
		p.metrics.SetSchedulerLoad(p.running, p.pending)
	}
}
