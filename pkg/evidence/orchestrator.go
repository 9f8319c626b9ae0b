package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/metrics"
)

const (
	// progressInterval caps how often streaming collections emit progress.
	progressInterval = 250 * time.Millisecond

	// progressBuffer absorbs emit bursts without stalling the collection.
	progressBuffer = 16

	// maxFinishedCollections bounds how many terminal handles stay
	// addressable for status lookups.
	maxFinishedCollections = 256
)

// Orchestrator fans collection requests out to registered collectors and
// persists scored, deduplicated evidence into the registry store. One
// orchestrator serves the whole process; collections run concurrently, each
// on its own goroutine.
type Orchestrator struct {
	cfg     config.EvidenceConfig
	store   Store
	metrics *metrics.Metrics

	mu          sync.Mutex
	collectors  map[string]Collector
	collections map[string]*CollectionHandle
	finished    []string
	closed      bool

	wg sync.WaitGroup
}

// New builds an orchestrator over the given registry store. m may be nil.
func New(cfg config.EvidenceConfig, store Store, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		metrics:     m,
		collectors:  make(map[string]Collector),
		collections: make(map[string]*CollectionHandle),
	}
}

// Register adds a collector under its Name. Registering the same name again
// replaces the earlier collector.
func (o *Orchestrator) Register(c Collector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.collectors[c.Name()] = c
}

// Collect validates req and launches the collection on its own goroutine.
// The returned handle reports progress and the terminal outcome. ctx governs
// only the submission; the collection itself runs detached under its own
// deadline and is stopped through the handle or Close.
func (o *Orchestrator) Collect(ctx context.Context, req Request) (*CollectionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "evidence.collect", err)
	}
	if req.TenantID == "" {
		return nil, fault.New(fault.KindInvalidInput, "tenant id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeImmediate
	}
	switch req.Mode {
	case ModeImmediate, ModeScheduled, ModeStreaming:
	default:
		return nil, fault.Newf(fault.KindInvalidInput, "unknown collection mode %q", req.Mode)
	}
	sources, err := o.resolveSources(req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(uuid.NewString(), req, sources, cancel)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, fault.New(fault.KindInternal, "evidence orchestrator is shut down")
	}
	o.collections[h.id] = h
	o.wg.Add(1)
	o.mu.Unlock()

	slog.Info("Evidence collection submitted",
		"collection_id", h.id,
		"tenant_id", req.TenantID,
		"mode", req.Mode,
		"sources", len(sources))

	go func() {
		defer o.wg.Done()
		o.run(runCtx, h)
	}()
	return h, nil
}

// Get returns the handle for a collection id while it is still addressable.
// Terminal handles are retained for a bounded number of later collections.
func (o *Orchestrator) Get(id string) (*CollectionHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.collections[id]
	return h, ok
}

// Close cancels every active collection and waits for their goroutines to
// drain. Further Collect calls are rejected.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	handles := make([]*CollectionHandle, 0, len(o.collections))
	for _, h := range o.collections {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	o.wg.Wait()
}

// resolveSources expands an empty source list to every registered collector,
// in name order, and rejects names with no registration.
func (o *Orchestrator) resolveSources(req Request) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.collectors) == 0 {
		return nil, fault.New(fault.KindInvalidInput, "no evidence collectors registered")
	}
	if len(req.Sources) == 0 {
		names := make([]string, 0, len(o.collectors))
		for name := range o.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	names := make([]string, 0, len(req.Sources))
	seen := make(map[string]bool, len(req.Sources))
	for _, name := range req.Sources {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := o.collectors[name]; !ok {
			return nil, fault.Newf(fault.KindInvalidInput, "unknown evidence source %q", name)
		}
		names = append(names, name)
	}
	return names, nil
}

func (o *Orchestrator) collector(name string) Collector {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.collectors[name]
}

// retire keeps a terminal handle addressable for a while, evicting the
// oldest finished collections beyond the retention bound.
func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > maxFinishedCollections {
		evict := o.finished[0]
		o.finished = o.finished[1:]
		delete(o.collections, evict)
	}
}

// run drives one collection to a terminal status. ctx is the handle's own
// cancellable context; the configured deadline starts after any scheduled
// delay has elapsed.
func (o *Orchestrator) run(ctx context.Context, h *CollectionHandle) {
	defer o.retire(h.id)

	if h.req.Mode == ModeScheduled && h.req.Delay > 0 {
		timer := time.NewTimer(h.req.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			h.finish(CollectionCancelled, fault.Wrap(fault.KindCancelled, "evidence.collect", ctx.Err()))
			close(h.events)
			return
		}
	}

	maxDur := h.req.MaxDuration
	if maxDur <= 0 {
		maxDur = o.cfg.MaxDuration
	}
	runCtx, cancel := context.WithTimeout(ctx, maxDur)
	defer cancel()

	h.setRunning()
	start := time.Now()

	queue := make(chan Item, o.cfg.MaxPersistQueue)
	var persister sync.WaitGroup
	persister.Add(1)
	go func() {
		defer persister.Done()
		o.persist(runCtx, h, queue)
	}()

	emitterDone := make(chan struct{})
	if h.req.Mode == ModeStreaming {
		go func() {
			defer close(emitterDone)
			emitProgress(h)
		}()
	} else {
		close(emitterDone)
	}

	var g errgroup.Group
	for _, name := range h.sources {
		c := o.collector(name)
		g.Go(func() error {
			o.collectSource(runCtx, h, c, queue)
			return nil
		})
	}
	// Workers record failures on the handle instead of returning them, so
	// Wait only synchronises.
	_ = g.Wait()
	close(queue)
	persister.Wait()

	status, err := outcome(ctx, h)
	h.finish(status, err)
	<-emitterDone
	close(h.events)

	p := h.Progress()
	slog.Info("Evidence collection finished",
		"collection_id", h.id,
		"tenant_id", h.req.TenantID,
		"status", status,
		"collected", p.Collected,
		"duplicates", p.Duplicates,
		"failed", p.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
}

// outcome classifies the terminal status once every worker has drained.
// A cancel through the handle wins; otherwise a collection fails only when
// no collector produced a single item, duplicates included.
func outcome(ctx context.Context, h *CollectionHandle) (CollectionStatus, error) {
	if ctx.Err() != nil {
		return CollectionCancelled, fault.Wrap(fault.KindCancelled, "evidence.collect", ctx.Err())
	}
	if h.producedCount() == 0 {
		return CollectionFailed, fault.New(fault.KindNoEvidenceCollected, "no collector produced any evidence")
	}
	return CollectionCompleted, nil
}

// collectSource drains one collector: Discover, then Fetch per control under
// the per-source concurrency cap. Failures are recorded, never returned.
func (o *Orchestrator) collectSource(ctx context.Context, h *CollectionHandle, c Collector, queue chan<- Item) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordEvidenceDuration(c.Name(), time.Since(start).Seconds())
		}
	}()

	controls, err := c.Discover(ctx)
	if err != nil {
		h.recordFailure(Failure{Source: c.Name(), Reason: fmt.Sprintf("discover: %v", err)})
		o.record(c.Name(), "failed")
		slog.Warn("Evidence discovery failed",
			"collection_id", h.id, "source", c.Name(), "error", err)
		return
	}
	controls = filterControls(controls, h.req.ControlIDs)
	if len(controls) == 0 {
		return
	}
	h.addDiscovered(len(controls))

	sem := semaphore.NewWeighted(int64(o.cfg.PerSourceConcurrency))
	var fetches errgroup.Group
	for _, controlID := range controls {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled or past the deadline: stop launching new fetches.
			break
		}
		fetches.Go(func() error {
			defer sem.Release(1)
			defer h.finishFetch()
			o.fetchControl(ctx, h, c, controlID, queue)
			return nil
		})
	}
	_ = fetches.Wait()
}

func (o *Orchestrator) fetchControl(ctx context.Context, h *CollectionHandle, c Collector, controlID string, queue chan<- Item) {
	raws, err := c.Fetch(ctx, controlID)
	if err != nil {
		h.recordFailure(Failure{Source: c.Name(), ControlID: controlID, Reason: err.Error()})
		o.record(c.Name(), "failed")
		slog.Warn("Evidence fetch failed",
			"collection_id", h.id, "source", c.Name(), "control_id", controlID, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, raw := range raws {
		item := buildItem(h.req.TenantID, c, controlID, raw, now)
		h.addProduced()
		select {
		case queue <- item: // blocks while the persist queue is full
		case <-ctx.Done():
			return
		}
	}
}

// persist is the single consumer of the queue. It applies the at-most-once
// check through the store and keeps draining after a cancel so no producer
// ever blocks on a full queue.
func (o *Orchestrator) persist(ctx context.Context, h *CollectionHandle, queue <-chan Item) {
	for item := range queue {
		if ctx.Err() != nil {
			continue
		}
		inserted, err := o.store.Insert(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			h.recordFailure(Failure{Source: item.SourceSystem, Reason: fmt.Sprintf("persist: %v", err)})
			o.record(item.SourceSystem, "failed")
			continue
		}
		if !inserted {
			h.addDuplicate()
			o.record(item.SourceSystem, "duplicate")
			continue
		}
		h.addItem(item)
		if item.Flagged {
			o.record(item.SourceSystem, "flagged")
		} else {
			o.record(item.SourceSystem, "stored")
		}
	}
}

func (o *Orchestrator) record(source, result string) {
	if o.metrics != nil {
		o.metrics.RecordEvidence(source, result)
	}
}

// buildItem scores and fingerprints one raw artefact. Raw items without an
// explicit control attribution inherit the control they were fetched for.
func buildItem(tenantID string, c Collector, controlID string, raw RawItem, now time.Time) Item {
	collectedAt := raw.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = now
	}
	controlIDs := raw.ControlIDs
	if len(controlIDs) == 0 && controlID != "" {
		controlIDs = []string{controlID}
	}
	score, flagged := Score(c.QualityScore(raw), collectedAt, now)
	return Item{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		SourceSystem: c.Name(),
		Type:         raw.Type,
		ControlIDs:   controlIDs,
		QualityScore: score,
		Flagged:      flagged,
		CollectedAt:  collectedAt,
		RawRef:       raw.RawRef,
		Fingerprint:  Fingerprint(c.Name(), raw.Type, raw.NaturalKey),
	}
}

// filterControls intersects discovered controls with the requested set,
// preserving discovery order. An empty request keeps everything.
func filterControls(discovered, requested []string) []string {
	if len(requested) == 0 {
		return discovered
	}
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	out := make([]string, 0, len(discovered))
	for _, id := range discovered {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

// emitProgress pushes throttled snapshots during a streaming collection and
// one final snapshot once it terminates. Sends never block; a full buffer
// drops the intermediate snapshot.
func emitProgress(h *CollectionHandle) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	var last Progress
	for {
		select {
		case <-ticker.C:
			p := h.Progress()
			if p == last {
				continue
			}
			last = p
			select {
			case h.events <- p:
			default:
			}
		case <-h.done:
			select {
			case h.events <- h.Progress():
			default:
			}
			return
		}
	}
}

// Runner adapts the orchestrator to the synchronous capability surface graph
// nodes use: it submits an immediate collection and waits for the outcome,
// cancelling the collection if the caller gives up first.
type Runner struct {
	Orchestrator *Orchestrator
}

func (r Runner) Collect(ctx context.Context, req Request) (*Result, error) {
	if req.Mode == "" {
		req.Mode = ModeImmediate
	}
	handle, err := r.Orchestrator.Collect(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		handle.Cancel()
		return nil, err
	}
	return res, nil
}
