// Package services is the embedding API: the surface non-core collaborators
// call to submit and observe compliance runs and evidence collections. It
// glues the graph executor, the scheduler pool, the evidence orchestrator,
// and the event publisher together and maintains the public run rows.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruleiq/orchestrator/pkg/agent"
	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/scheduler"
)

const (
	// runEventBuffer sizes the mirror channel handed to Submit and Resume
	// callers.
	runEventBuffer = 64

	// finalizeTimeout bounds the run row update after a run ends.
	finalizeTimeout = 10 * time.Second

	// maxFinishedRuns bounds how many finished runs keep their last chunk
	// addressable for Get.
	maxFinishedRuns = 256
)

// RunService drives run lifecycle end to end: it creates the run row,
// schedules execution on the pool, mirrors the executor's event stream to
// the caller, and settles the row from the final checkpoint when the run
// ends. Event persistence and broadcast happen inside the executor through
// the events bus, not here.
type RunService struct {
	pool        *pgxpool.Pool
	checkpoints checkpoint.Store
	executor    *graph.Executor
	graph       *graph.Graph
	sched       *scheduler.Pool
	pub         graph.Publisher

	mu         sync.Mutex
	lastChunks map[string]string
	finished   []string
}

// NewRunService wires a run service over its collaborators. g is the
// compliance graph every submission executes; pub carries the status
// change of a detached cancel and is usually the same bus the executor
// publishes through. A nil pub drops those events.
func NewRunService(pool *pgxpool.Pool, store checkpoint.Store, exec *graph.Executor, g *graph.Graph, sched *scheduler.Pool, pub graph.Publisher) *RunService {
	return &RunService{
		pool:        pool,
		checkpoints: store,
		executor:    exec,
		graph:       g,
		sched:       sched,
		pub:         pub,
		lastChunks:  make(map[string]string),
	}
}

// Submit validates q, creates the run row, and schedules execution. It
// returns the run id and a live event mirror. The mirror is best effort: a
// slow or absent consumer misses events rather than stalling the run, and
// the channel closes when the run reaches a terminal status or suspends.
// Durable delivery goes through run_events and the WebSocket channels.
func (s *RunService) Submit(ctx context.Context, q Query) (string, <-chan graph.Event, error) {
	if q.TenantID == "" {
		return "", nil, fault.New(fault.KindInvalidInput, "tenant_id is required")
	}
	if strings.TrimSpace(q.Query) == "" {
		return "", nil, fault.New(fault.KindInvalidInput, "query is required")
	}

	state := graph.NewRunState(q.TenantID, q.Query)
	state.UserID = q.UserID
	state.Framework = q.Framework
	for k, v := range q.Metadata {
		state.Metadata[k] = v
	}
	if q.Stream {
		state.Metadata[agent.MetaStream] = "true"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, tenant_id, status, query, framework, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		state.RunID, q.TenantID, string(graph.StatusRunning), q.Query, q.Framework, state.CreatedAt)
	if err != nil {
		return "", nil, fault.Wrap(fault.KindInternal, "runs.insert", err)
	}

	out := make(chan graph.Event, runEventBuffer)
	err = s.sched.Submit(state.RunID, func(runCtx context.Context) error {
		defer close(out)
		stream, err := s.executor.RunStream(runCtx, s.graph, state)
		if err != nil {
			s.markFailed(state.RunID, err)
			return err
		}
		s.pump(stream, out, state.RunID)
		return s.finalize(state.RunID)
	})
	if err != nil {
		if _, derr := s.pool.Exec(context.WithoutCancel(ctx), `DELETE FROM runs WHERE run_id = $1`, state.RunID); derr != nil {
			slog.Warn("Orphaned run row after rejected submission", "run_id", state.RunID, "error", derr)
		}
		return "", nil, err
	}

	slog.Info("Run submitted",
		"run_id", state.RunID,
		"tenant_id", q.TenantID,
		"framework", q.Framework,
		"stream", q.Stream)
	return state.RunID, out, nil
}

// Get returns the public view of a run. Status and cost come from the run
// row; the recorded error log rides in the latest checkpoint.
func (s *RunService) Get(ctx context.Context, runID string) (*RunView, error) {
	view := RunView{RunID: runID}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, status, query, framework, current_node, error_kind, error_message, total_cost_usd, created_at, updated_at
		FROM runs WHERE run_id = $1`, runID).
		Scan(&view.TenantID, &status, &view.Query, &view.Framework, &view.CurrentNode, &view.ErrorKind,
			&view.ErrorMessage, &view.Cost.TotalUSD, &view.CreatedAt, &view.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "runs.get", err)
	}
	view.Status = graph.Status(status)

	if state, ok := s.latestState(ctx, runID); ok {
		view.Errors = state.Errors
		view.Cost = state.Cost
	}

	s.mu.Lock()
	view.LastChunk = s.lastChunks[runID]
	s.mu.Unlock()
	return &view, nil
}

// Resume re-opens a suspended, cancelled, or crashed run from its latest
// checkpoint and schedules the continuation. extraInput lands in the run's
// metadata before the next node executes. The returned mirror behaves like
// Submit's.
func (s *RunService) Resume(ctx context.Context, runID string, extraInput map[string]string) (<-chan graph.Event, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "runs.get", err)
	}
	switch graph.Status(status) {
	case graph.StatusCompleted, graph.StatusFailed:
		return nil, fault.Newf(fault.KindInvalidInput, "run %s is already %s", runID, status)
	}

	out := make(chan graph.Event, runEventBuffer)
	err = s.sched.Submit(runID, func(runCtx context.Context) error {
		defer close(out)
		stream, err := s.executor.ResumeStream(runCtx, s.graph, runID, extraInput)
		if err != nil {
			s.markFailed(runID, err)
			return err
		}
		s.reopen(runID)
		s.pump(stream, out, runID)
		return s.finalize(runID)
	})
	if err != nil {
		close(out)
		return nil, err
	}

	slog.Info("Run resumed", "run_id", runID, "from_status", status)
	return out, nil
}

// Cancel stops a run. A run executing on this instance is cancelled through
// the pool. A suspended run, or one whose executor is gone (crashed or on
// another instance), is closed by writing a cancelled frame so a later
// Resume re-opens from it; the checkpoint version key arbitrates against an
// executor still holding the run elsewhere.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.Newf(fault.KindNotFound, "run %s not found", runID)
	}
	if err != nil {
		return fault.Wrap(fault.KindInternal, "runs.get", err)
	}
	if graph.Status(status).Terminal() {
		return fault.Newf(fault.KindInvalidInput, "run %s is already %s", runID, status)
	}
	if graph.Status(status) == graph.StatusRunning && s.sched.CancelRun(runID) {
		slog.Info("Run cancellation requested", "run_id", runID)
		return nil
	}
	return s.cancelDetached(ctx, runID)
}

// cancelDetached closes a run that is not executing here: a suspended run,
// or one orphaned by a restart. The latest checkpoint is re-written one
// version up with CANCELLED status.
func (s *RunService) cancelDetached(ctx context.Context, runID string) error {
	version, err := s.checkpoints.LatestVersion(ctx, runID)
	if err != nil {
		return err
	}
	if version == 0 {
		// The run died before its first checkpoint. There is no frame to
		// close and nothing a resume could recover, so settle the row alone.
		_, err = s.pool.Exec(ctx, `
			UPDATE runs SET status = $2, error_kind = $3, error_message = 'cancelled by caller', updated_at = now()
			WHERE run_id = $1`,
			runID, string(graph.StatusCancelled), string(fault.KindCancelled))
		return fault.Wrap(fault.KindInternal, "runs.update", err)
	}
	cp, err := s.checkpoints.Load(ctx, runID, version)
	if err != nil {
		return err
	}
	var state graph.RunState
	if err := checkpoint.DecodeSnapshot(cp.Snapshot, &state); err != nil {
		return err
	}
	cause := fault.New(fault.KindCancelled, "cancelled by caller")
	state.RecordError(state.CurrentNode, cause)
	if err := state.SetStatus(graph.StatusCancelled); err != nil {
		return err
	}
	// The closing StatusChanged below takes the next sequence number; the
	// frame records the one after it so a later resume stays gap free.
	seq := state.EventSeq
	state.EventSeq = seq + 1

	snapshot, err := checkpoint.EncodeSnapshot(&state)
	if err != nil {
		return err
	}
	node := state.CurrentNode
	if node == "" {
		node = graph.Start
	}
	if err := s.checkpoints.Put(ctx, checkpoint.Checkpoint{
		RunID:    runID,
		Version:  version + 1,
		Node:     node,
		Snapshot: snapshot,
	}); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error_kind = $3, error_message = $4, updated_at = now()
		WHERE run_id = $1`,
		runID, string(graph.StatusCancelled), string(fault.KindCancelled), cause.Public())
	if err != nil {
		return fault.Wrap(fault.KindInternal, "runs.update", err)
	}
	if s.pub != nil {
		s.pub.Publish(ctx, graph.Event{
			Seq:    seq,
			RunID:  runID,
			Type:   graph.EventStatusChanged,
			Node:   state.CurrentNode,
			Status: graph.StatusCancelled,
			At:     time.Now().UTC(),
		})
	}
	slog.Info("Detached run cancelled", "run_id", runID, "version", version+1)
	return nil
}

// pump drains the executor stream, tracking the most recent chunk and
// mirroring every event to the caller without ever blocking on it.
func (s *RunService) pump(stream <-chan graph.Event, out chan<- graph.Event, runID string) {
	for ev := range stream {
		if ev.Type == graph.EventNodeChunk {
			s.mu.Lock()
			s.lastChunks[runID] = ev.Chunk
			s.mu.Unlock()
		}
		select {
		case out <- ev:
		default:
		}
	}
}

// finalize settles the run row from the final checkpoint once the stream
// has closed.
func (s *RunService) finalize(runID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	state, ok := s.latestState(ctx, runID)
	if !ok {
		return fault.Newf(fault.KindInternal, "run %s left no readable checkpoint", runID)
	}

	var kind, message string
	if state.Status == graph.StatusFailed || state.Status == graph.StatusCancelled {
		if last := state.LastError(); last != nil {
			kind, message = last.Code, last.Detail
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, current_node = $3, error_kind = $4, error_message = $5,
			total_cost_usd = $6, updated_at = now()
		WHERE run_id = $1`,
		runID, string(state.Status), state.CurrentNode, kind, message, state.Cost.TotalUSD)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "runs.update", err)
	}

	if state.Status.Terminal() {
		s.retireChunk(runID)
	}
	return nil
}

// markFailed settles the row for a run whose execution could not start. A
// cancellation while queued lands here too and keeps its CANCELLED status.
func (s *RunService) markFailed(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	kind := fault.KindOf(cause)
	status := graph.StatusFailed
	if kind == fault.KindCancelled {
		status = graph.StatusCancelled
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error_kind = $3, error_message = $4, updated_at = now()
		WHERE run_id = $1`,
		runID, string(status), string(kind), publicMessage(cause))
	if err != nil {
		slog.Error("Run row update failed", "run_id", runID, "error", err)
	}
	s.retireChunk(runID)
}

// reopen flips the row back to RUNNING when a resume takes off.
func (s *RunService) reopen(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error_kind = '', error_message = '', updated_at = now()
		WHERE run_id = $1`,
		runID, string(graph.StatusRunning))
	if err != nil {
		slog.Error("Run row update failed", "run_id", runID, "error", err)
	}
}

// latestState decodes the newest checkpoint of a run. Missing or
// undecodable frames degrade to ok=false; Get still serves the row view.
func (s *RunService) latestState(ctx context.Context, runID string) (*graph.RunState, bool) {
	version, err := s.checkpoints.LatestVersion(ctx, runID)
	if err != nil || version == 0 {
		return nil, false
	}
	cp, err := s.checkpoints.Load(ctx, runID, version)
	if err != nil {
		return nil, false
	}
	var state graph.RunState
	if err := checkpoint.DecodeSnapshot(cp.Snapshot, &state); err != nil {
		slog.Warn("Checkpoint snapshot undecodable", "run_id", runID, "version", version, "error", err)
		return nil, false
	}
	return &state, true
}

// retireChunk keeps the final chunk of a finished run addressable for a
// bounded number of later runs.
func (s *RunService) retireChunk(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, runID)
	if len(s.finished) > maxFinishedRuns {
		evicted := s.finished[0]
		s.finished = s.finished[1:]
		delete(s.lastChunks, evicted)
	}
}

// DeleteTerminalBefore removes up to limit terminal runs last touched before
// cutoff, together with their checkpoints, and reports how many runs went.
// The single statement keeps row and frame deletion atomic, and SKIP LOCKED
// lets concurrent sweepers pass over each other's victims.
func (s *RunService) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	terminal := []string{
		string(graph.StatusCompleted),
		string(graph.StatusFailed),
		string(graph.StatusCancelled),
	}
	tag, err := s.pool.Exec(ctx, `
		WITH victims AS (
			SELECT run_id FROM runs
			WHERE status = ANY($1) AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		),
		dropped_frames AS (
			DELETE FROM checkpoints
			WHERE run_id IN (SELECT run_id FROM victims)
		)
		DELETE FROM runs WHERE run_id IN (SELECT run_id FROM victims)`,
		terminal, cutoff, limit)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "runs.delete_terminal", err)
	}
	return tag.RowsAffected(), nil
}
