package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// CollectionStatus tracks a collection through its lifecycle.
type CollectionStatus string

const (
	// CollectionPending means the collection is waiting on its scheduled delay.
	CollectionPending   CollectionStatus = "PENDING"
	CollectionRunning   CollectionStatus = "RUNNING"
	CollectionCompleted CollectionStatus = "COMPLETED"
	CollectionFailed    CollectionStatus = "FAILED"
	CollectionCancelled CollectionStatus = "CANCELLED"
)

// CollectionHandle tracks one collection from submission to completion.
// Accessors are safe to call from any goroutine at any point in the
// lifecycle; Wait blocks until the collection reaches a terminal status.
type CollectionHandle struct {
	id      string
	req     Request
	sources []string

	cancel context.CancelFunc
	events chan Progress
	done   chan struct{}

	mu         sync.Mutex
	status     CollectionStatus
	items      []Item
	failures   []Failure
	duplicates int
	produced   int
	discovered int
	fetched    int
	startedAt  time.Time
	finishedAt time.Time
	result     *Result
	err        error
}

func newHandle(id string, req Request, sources []string, cancel context.CancelFunc) *CollectionHandle {
	return &CollectionHandle{
		id:      id,
		req:     req,
		sources: sources,
		cancel:  cancel,
		events:  make(chan Progress, progressBuffer),
		done:    make(chan struct{}),
		status:  CollectionPending,
	}
}

// ID returns the collection id.
func (h *CollectionHandle) ID() string { return h.id }

// Request returns the request this collection was submitted with.
func (h *CollectionHandle) Request() Request { return h.req }

// Sources returns the resolved source systems this collection fans out to.
func (h *CollectionHandle) Sources() []string {
	return append([]string(nil), h.sources...)
}

// Status returns the current lifecycle status.
func (h *CollectionHandle) Status() CollectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Progress returns a point-in-time snapshot of the collection counters.
// ProgressPercent is the fraction of discovered fetch units completed.
func (h *CollectionHandle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := Progress{
		Collected:  len(h.items),
		Failed:     len(h.failures),
		Duplicates: h.duplicates,
	}
	if h.discovered > 0 {
		p.ProgressPercent = 100 * float64(h.fetched) / float64(h.discovered)
	}
	return p
}

// Events returns the progress stream. Updates are emitted at most every
// 250ms and only in streaming mode; the channel closes when the collection
// reaches a terminal status in every mode. Slow consumers miss intermediate
// snapshots rather than stalling the collection.
func (h *CollectionHandle) Events() <-chan Progress { return h.events }

// Done is closed when the collection reaches a terminal status.
func (h *CollectionHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the collection finishes or ctx expires. Abandoning a
// wait does not cancel the collection; call Cancel for that.
func (h *CollectionHandle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.terminal()
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindCancelled, "evidence.wait", ctx.Err())
	}
}

// Result returns the terminal outcome, or (nil, nil) while the collection is
// still running. Counters of a failed or cancelled collection stay readable
// through Progress.
func (h *CollectionHandle) Result() (*Result, error) {
	select {
	case <-h.done:
		return h.terminal()
	default:
		return nil, nil
	}
}

// Cancel stops the collection: no new Fetches start and queued items are
// discarded. Evidence persisted before the cancel remains in the registry.
func (h *CollectionHandle) Cancel() { h.cancel() }

func (h *CollectionHandle) terminal() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

func (h *CollectionHandle) setRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = CollectionRunning
	h.startedAt = time.Now().UTC()
}

func (h *CollectionHandle) addDiscovered(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discovered += n
}

func (h *CollectionHandle) finishFetch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetched++
}

func (h *CollectionHandle) recordFailure(f Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
}

func (h *CollectionHandle) addItem(item Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
}

func (h *CollectionHandle) addDuplicate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.duplicates++
}

// addProduced counts one raw item handed over by a collector, before the
// dedup check. The count backs the NoEvidenceCollected decision: a re-collect
// that yields only duplicates still produced evidence.
func (h *CollectionHandle) addProduced() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.produced++
}

func (h *CollectionHandle) producedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.produced
}

// finish moves the handle to a terminal status, snapshots the result, and
// closes done. Once done is closed the result and err fields never change.
func (h *CollectionHandle) finish(status CollectionStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.finishedAt = time.Now().UTC()
	if h.startedAt.IsZero() {
		h.startedAt = h.finishedAt
	}
	h.result = &Result{
		Items:      append([]Item(nil), h.items...),
		Failures:   append([]Failure(nil), h.failures...),
		Duplicates: h.duplicates,
		StartedAt:  h.startedAt,
		FinishedAt: h.finishedAt,
	}
	h.mu.Unlock()
	close(h.done)
}
