package graph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/metrics"
	"github.com/ruleiq/orchestrator/pkg/resilience"
)

// eventBuffer sizes the RunStream channel. Consumers must drain the channel
// until it closes; an abandoned stream stalls its run.
const eventBuffer = 64

// Publisher receives every event of every run, independent of streaming.
// Implemented by events.Bus; an interface here keeps the persistence layer
// out of executor tests.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Executor runs graphs. Node execution is serial within a run; many runs
// execute concurrently on separate goroutines.
type Executor struct {
	cfg     config.ExecutorConfig
	store   checkpoint.Store
	caps    Capabilities
	pub     Publisher
	metrics *metrics.Metrics
}

// Options configures an Executor. A nil Checkpoints store falls back to an
// in-memory store for embedded use.
type Options struct {
	Checkpoints  checkpoint.Store
	Capabilities Capabilities
	Publisher    Publisher
	Metrics      *metrics.Metrics
}

// NewExecutor builds an executor with the given tuning. Zero config fields
// take the package defaults.
func NewExecutor(cfg config.ExecutorConfig, opts Options) *Executor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = config.DefaultMaxTurns
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = config.DefaultNodeTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}
	store := opts.Checkpoints
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	return &Executor{
		cfg:     cfg,
		store:   store,
		caps:    opts.Capabilities,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
	}
}

// Run executes g from init to a terminal status and returns the final state.
// The returned error is the cause for FAILED and CANCELLED runs, nil for
// COMPLETED and suspended (AWAITING_HUMAN) runs.
func (e *Executor) Run(ctx context.Context, g *Graph, init *RunState) (*RunState, error) {
	if err := e.prepare(g, init); err != nil {
		return nil, err
	}
	return e.execute(ctx, g, init, nil)
}

// RunStream executes g on a new goroutine and returns the run's event
// stream. The channel closes when the run reaches a terminal status or
// suspends; consumers must drain it until then.
func (e *Executor) RunStream(ctx context.Context, g *Graph, init *RunState) (<-chan Event, error) {
	if err := e.prepare(g, init); err != nil {
		return nil, err
	}
	return e.stream(ctx, g, init), nil
}

/// Resume reloads a run from its latest checkpoint and continues: a
// suspended or crashed run proceeds from the node after the last
// checkpointed one, a cancelled run re-enters the node the cancellation
// interrupted. extraInput is merged into metadata first so routing
// predicates and nodes can see it.
func (e *Executor) Resume(ctx context.Context, g *Graph, runID string, extraInput map[string]string) (*RunState, error) {
	state, err := e.restore(ctx, runID, extraInput)
	if err != nil {
		return nil, err
	}
	if err := e.prepare(g, state); err != nil {
		return nil, err
	}
	return e.execute(ctx, g, state, nil)
}

// ResumeStream is Resume with a live event stream, for suspended runs whose
// clients reattach.
func (e *Executor) ResumeStream(ctx context.Context, g *Graph, runID string, extraInput map[string]string) (<-chan Event, error) {
	state, err := e.restore(ctx, runID, extraInput)
	if err != nil {
		return nil, err
	}
	if err := e.prepare(g, state); err != nil {
		return nil, err
	}
	return e.stream(ctx, g, state), nil
}

func (e *Executor) stream(ctx context.Context, g *Graph, state *RunState) <-chan Event {
	ch := make(chan Event, eventBuffer)
	go func() {
		defer close(ch)
		if _, err := e.execute(ctx, g, state, ch); err != nil {
			slog.Debug("streamed run ended with error", "run_id", state.RunID, "error", err)
		}
	}()
	return ch
}

func (e *Executor) restore(ctx context.Context, runID string, extraInput map[string]string) (*RunState, error) {
	version, err := e.store.LatestVersion(ctx, runID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fault.Newf(fault.KindNotFound, "run %s has no checkpoints", runID)
	}
	cp, err := e.store.Load(ctx, runID, version)
	if err != nil {
		return nil, err
	}
	var state RunState
	if err := checkpoint.DecodeSnapshot(cp.Snapshot, &state); err != nil {
		return nil, err
	}
	// Cancelled runs re-open from their final checkpoint; completed and
	// failed runs stay closed.
	switch state.Status {
	case StatusCompleted, StatusFailed:
		return nil, fault.Newf(fault.KindInvalidInput, "run %s is already %s", runID, state.Status)
	}
	if len(extraInput) > 0 && state.Metadata == nil {
		state.Metadata = make(map[string]string, len(extraInput))
	}
	for k, v := range extraInput {
		state.Metadata[k] = v
	}
	return &state, nil
}

func (e *Executor) prepare(g *Graph, init *RunState) error {
	if init == nil {
		return fault.New(fault.KindInvalidInput, "initial run state is nil")
	}
	if init.RunID == "" {
		return fault.New(fault.KindInvalidInput, "run id is empty")
	}
	if !g.validated {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return g.verifyCapabilities(e.caps)
}

// emitter serializes event delivery for one execute call. The mutex guards
// against chunk emissions from a node goroutine abandoned after a drain
// timeout; close makes such emissions no-ops before the stream channel
// closes. Seq restarts per call; durable per-run sequencing belongs to the
// publisher.
type emitter struct {
	mu     sync.Mutex
	ctx    context.Context
	runID  string
	seq    int64
	ch     chan<- Event
	pub    Publisher
	closed bool
}

func (em *emitter) emit(ev Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return
	}
	ev.Seq = em.seq
	em.seq++
	ev.RunID = em.runID
	ev.At = time.Now().UTC()
	if em.pub != nil {
		em.pub.Publish(em.ctx, ev)
	}
	if em.ch != nil {
		em.ch <- ev
	}
}

func (em *emitter) close() {
	em.mu.Lock()
	em.closed = true
	em.mu.Unlock()
}

func (em *emitter) current() int64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.seq
}

func (e *Executor) execute(ctx context.Context, g *Graph, state *RunState, ch chan<- Event) (*RunState, error) {
	// Seq continues from the restored state so the event stream stays
	// monotonic across resumes of the same run.
	em := &emitter{ctx: ctx, runID: state.RunID, ch: ch, pub: e.pub, seq: state.EventSeq}
	defer em.close()
	logger := slog.With("run_id", state.RunID, "graph", g.name)
	runStart := time.Now()

	resumed := state.CurrentNode != ""
	interrupted := state.Status == StatusCancelled
	if err := state.SetStatus(StatusRunning); err != nil {
		return state, err
	}
	em.emit(Event{Type: EventStatusChanged, Status: StatusRunning})
	logger.Info("run started", "resumed", resumed, "turn", state.TurnCount)

	version, err := e.store.LatestVersion(ctx, state.RunID)
	if err != nil {
		state.RecordError(state.CurrentNode, err)
		return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
	}
	var latest *checkpoint.Checkpoint
	if version > 0 {
		cp, err := e.store.Load(ctx, state.RunID, version)
		if err != nil {
			state.RecordError(state.CurrentNode, err)
			return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
		}
		latest = &cp
	}

	current := g.entry
	switch {
	case resumed && interrupted && state.CurrentNode != Start:
		// Cancellation caught this node mid-flight and discarded its
		// delta, so re-enter it. Checkpoint adoption skips any attempt
		// that already completed under a matching idempotency key.
		current = state.CurrentNode
	case resumed:
		next, err := g.nextNode(state.CurrentNode, state)
		if err != nil {
			state.RecordError(state.CurrentNode, err)
			return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
		}
		if next == End {
			return e.finish(ctx, em, logger, state, StatusCompleted, &version, runStart, nil)
		}
		current = next
	}

	for {
		if state.TurnCount >= e.cfg.MaxTurns {
			err := fault.Newf(fault.KindMaxTurnsExceeded, "run exceeded %d turns", e.cfg.MaxTurns)
			state.RecordError(current, err)
			em.emit(Event{Type: EventError, Node: current, Error: publicDetail(err), Kind: string(fault.KindMaxTurnsExceeded)})
			return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
		}

		node := g.nodes[current]

		// The replay consult is one-shot per execution: it can only adopt
		// the frame present at entry, never one written by this loop.
		adoptable := latest
		latest = nil
		if restored, ok := e.adoptCheckpoint(adoptable, node, state); ok {
			logger.Info("adopted checkpointed state", "node", current, "version", adoptable.Version)
			state = restored
		} else {
			em.emit(Event{Type: EventNodeStarted, Node: current, Turn: state.TurnCount + 1})
			nodeStart := time.Now()
			delta, nodeErr := e.runNode(ctx, node, state, em)
			if e.metrics != nil {
				e.metrics.RecordNode(current, time.Since(nodeStart).Seconds())
			}

			if nodeErr == nil {
				state.Apply(current, delta)
				if delta.AwaitHuman {
					if err := state.SetStatus(StatusAwaitingHuman); err != nil {
						state.RecordError(current, err)
						return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
					}
				}
				em.emit(Event{Type: EventNodeFinished, Node: current, Turn: state.TurnCount})
			} else {
				state.RecordError(current, nodeErr)
				state.CurrentNode = current
				em.emit(Event{Type: EventError, Node: current, Error: publicDetail(nodeErr), Kind: string(fault.KindOf(nodeErr))})
			}

			if ctx.Err() != nil || fault.Is(nodeErr, fault.KindCancelled) {
				cause := nodeErr
				if cause == nil {
					cause = fault.Wrap(fault.KindCancelled, "graph.run", ctx.Err())
				}
				return e.finish(ctx, em, logger, state, StatusCancelled, &version, runStart, cause)
			}
			if nodeErr != nil {
				kind := fault.KindOf(nodeErr)
				if fault.Fatal(kind) || node.FailFast {
					logger.Error("node failed", "node", current, "kind", string(kind), "error", nodeErr)
					return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, nodeErr)
				}
				logger.Warn("node failed, routing onward", "node", current, "error", nodeErr)
			}

			version++
			// The frame stores the seq the events after it will reach,
			// so a resumed stream never reuses sequence numbers: the
			// Checkpointed emit below, plus the suspend marker when the
			// run is about to await input.
			seqAfter := em.current() + 1
			if state.Status == StatusAwaitingHuman {
				seqAfter++
			}
			state.EventSeq = seqAfter
			if err := e.writeCheckpoint(ctx, node, state, version); err != nil {
				state.RecordError(current, err)
				return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
			}
			em.emit(Event{Type: EventCheckpointed, Node: current, Version: version})

			if state.Status == StatusAwaitingHuman {
				em.emit(Event{Type: EventStatusChanged, Status: StatusAwaitingHuman, Node: current})
				logger.Info("run awaiting human input", "node", current, "version", version)
				return state, nil
			}
		}

		next, err := g.nextNode(current, state)
		if err != nil {
			state.RecordError(current, err)
			em.emit(Event{Type: EventError, Node: current, Error: publicDetail(err), Kind: string(fault.KindInternal)})
			return e.finish(ctx, em, logger, state, StatusFailed, &version, runStart, err)
		}
		if next == End {
			return e.finish(ctx, em, logger, state, StatusCompleted, &version, runStart, nil)
		}
		current = next
	}
}

// adoptCheckpoint replays a checkpoint instead of re-executing when the node
// about to run already produced it under the same idempotency key.
func (e *Executor) adoptCheckpoint(cp *checkpoint.Checkpoint, node *Node, state *RunState) (*RunState, bool) {
	if cp == nil || cp.Node != node.Name || node.IdempotencyKey == nil {
		return nil, false
	}
	key := node.IdempotencyKey(state)
	if key == "" || key != cp.IdempotencyKey {
		return nil, false
	}
	var restored RunState
	if err := checkpoint.DecodeSnapshot(cp.Snapshot, &restored); err != nil {
		slog.Warn("checkpoint snapshot undecodable, re-executing node",
			"run_id", state.RunID, "node", node.Name, "error", err)
		return nil, false
	}
	restored.Status = StatusRunning
	return &restored, true
}

// runNode drives one node through its attempts. Failed attempts discard
// their deltas; retries stop on cancellation and on fatal kinds.
func (e *Executor) runNode(ctx context.Context, node *Node, state *RunState, em *emitter) (Delta, error) {
	attempts := node.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.NodeTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		delta, err := e.attempt(ctx, node, state, timeout, em)
		if err == nil {
			return delta, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		kind := fault.KindOf(err)
		if fault.Fatal(kind) || kind == fault.KindCancelled || !resilience.Retryable(err) {
			break
		}
		if attempt < attempts {
			slog.Warn("retrying node", "node", node.Name, "attempt", attempt, "error", err)
		}
	}
	return Delta{}, lastErr
}

// attempt invokes the node function once under its timeout. A node that
// keeps running past cancellation gets a drain window; overstaying it fails
// the attempt with NodeDrainTimeout and abandons the goroutine.
func (e *Executor) attempt(ctx context.Context, node *Node, state *RunState, timeout time.Duration, em *emitter) (Delta, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caps := e.caps
	caps.EmitChunk = func(text string) {
		em.emit(Event{Type: EventNodeChunk, Node: node.Name, Chunk: text})
	}

	type outcome struct {
		delta Delta
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		delta, err := node.Fn(nodeCtx, caps, state.Clone())
		done <- outcome{delta: delta, err: err}
	}()

	select {
	case out := <-done:
		return out.delta, classify(node, out.err)
	case <-nodeCtx.Done():
	}

	drain := time.NewTimer(e.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case out := <-done:
		// The node returned inside the drain window; its result stands.
		return out.delta, classify(node, out.err)
	case <-drain.C:
		return Delta{}, &fault.Error{
			Kind: fault.KindNodeDrainTimeout,
			Op:   "graph.node",
			Msg:  "node " + node.Name + " did not return within " + e.cfg.DrainTimeout.String() + " of cancellation",
		}
	}
}

// classify wraps untyped node errors as NodeError so downstream policy can
// switch on kinds. Already-classified errors pass through.
func classify(node *Node, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, "node."+node.Name, err)
	}
	return fault.Wrap(fault.KindNodeError, "node."+node.Name, err)
}

func (e *Executor) writeCheckpoint(ctx context.Context, node *Node, state *RunState, version int) error {
	snapshot, err := checkpoint.EncodeSnapshot(state)
	if err != nil {
		return err
	}
	var key string
	if node != nil && node.IdempotencyKey != nil {
		key = node.IdempotencyKey(state)
	}
	cp := checkpoint.Checkpoint{
		RunID:          state.RunID,
		Version:        version,
		Node:           state.CurrentNode,
		IdempotencyKey: key,
		Snapshot:       snapshot,
	}
	if err := e.store.Put(ctx, cp); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordCheckpoint()
	}
	return nil
}

// finish transitions to a terminal status, writes the final checkpoint, and
// emits the closing events. The final frame is written even on cancellation
// and drain failures so a later inspection sees the terminal state.
func (e *Executor) finish(ctx context.Context, em *emitter, logger *slog.Logger, state *RunState, status Status, version *int, runStart time.Time, cause error) (*RunState, error) {
	if err := state.SetStatus(status); err != nil {
		logger.Error("status transition rejected", "to", string(status), "error", err)
	}
	if state.CurrentNode == "" {
		state.CurrentNode = Start
	}

	*version++
	// Past the frame write, the closing Checkpointed and StatusChanged
	// events still consume two sequence numbers.
	state.EventSeq = em.current() + 2
	// The final frame must survive the caller's cancellation.
	cpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DrainTimeout)
	defer cancel()
	if err := e.writeCheckpoint(cpCtx, nil, state, *version); err != nil {
		logger.Error("final checkpoint failed", "version", *version, "error", err)
	} else {
		em.emit(Event{Type: EventCheckpointed, Node: state.CurrentNode, Version: *version})
	}

	em.emit(Event{Type: EventStatusChanged, Status: status, Node: state.CurrentNode})
	if e.metrics != nil {
		e.metrics.RecordRun(string(status), time.Since(runStart).Seconds())
	}
	logger.Info("run finished",
		"status", string(status),
		"turns", state.TurnCount,
		"cost_usd", state.Cost.TotalUSD,
		"duration", time.Since(runStart).Round(time.Millisecond))

	if status == StatusCompleted {
		return state, nil
	}
	return state, cause
}
