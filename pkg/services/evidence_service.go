package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/masking"
)

// CollectionPublisher carries collection progress to stream subscribers.
// Implemented by events.Publisher.
type CollectionPublisher interface {
	PublishCollectionProgress(ctx context.Context, collectionID string, prog evidence.Progress) error
	PublishCollectionStatus(ctx context.Context, collectionID, tenantID string, status evidence.CollectionStatus, prog evidence.Progress) error
}

const (
	// collectionEventBuffer sizes the progress mirror handed to Collect
	// callers.
	collectionEventBuffer = 16

	// collectionPublishWindow bounds each progress publish. Collections
	// outlive the submitting request, so publishes never ride its context.
	collectionPublishWindow = 5 * time.Second
)

// EvidenceService drives evidence collections through the orchestrator and
// fans progress out to the collection event channels. Collection views live
// in process memory; a restart forgets them while the collected evidence
// itself stays in the registry.
type EvidenceService struct {
	orch     *evidence.Orchestrator
	pub      CollectionPublisher
	scrubber *masking.Scrubber
}

// NewEvidenceService wires the service over its collaborators.
func NewEvidenceService(orch *evidence.Orchestrator, pub CollectionPublisher, scrubber *masking.Scrubber) *EvidenceService {
	return &EvidenceService{orch: orch, pub: pub, scrubber: scrubber}
}

// Collect starts a collection and returns its id plus a progress mirror.
// The mirror closes when the collection reaches a terminal status; a slow
// consumer misses intermediate snapshots rather than stalling collectors.
func (s *EvidenceService) Collect(ctx context.Context, req evidence.Request) (string, <-chan evidence.Progress, error) {
	h, err := s.orch.Collect(ctx, req)
	if err != nil {
		return "", nil, err
	}
	out := make(chan evidence.Progress, collectionEventBuffer)
	go s.tee(h, out)
	return h.ID(), out, nil
}

// GetCollection returns the live view of a collection. Views are held in
// process memory only; after a restart, or once the retention ring evicts a
// finished handle, the collection reads as not found.
func (s *EvidenceService) GetCollection(ctx context.Context, collectionID string) (*CollectionView, error) {
	h, ok := s.orch.Get(collectionID)
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "collection %s not found", collectionID)
	}
	prog := h.Progress()
	view := &CollectionView{
		CollectionID:    h.ID(),
		TenantID:        h.Request().TenantID,
		Status:          h.Status(),
		Sources:         h.Sources(),
		Collected:       prog.Collected,
		Failed:          prog.Failed,
		Duplicates:      prog.Duplicates,
		ProgressPercent: prog.ProgressPercent,
	}
	if res, err := h.Result(); res != nil {
		view.Failures = s.scrubFailures(res.Failures)
	} else if err != nil {
		view.Error = s.scrubber.Scrub(publicMessage(err))
	}
	return view, nil
}

// tee forwards progress snapshots to the caller and the collection channel
// until the collection settles, then publishes the closing status.
func (s *EvidenceService) tee(h *evidence.CollectionHandle, out chan<- evidence.Progress) {
	defer close(out)
	for prog := range h.Events() {
		s.publishProgress(h.ID(), prog)
		select {
		case out <- prog:
		default:
		}
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), collectionPublishWindow)
	defer cancel()
	if err := s.pub.PublishCollectionStatus(pubCtx, h.ID(), h.Request().TenantID, h.Status(), h.Progress()); err != nil {
		slog.Error("Collection status publish failed", "collection_id", h.ID(), "error", err)
	}
}

func (s *EvidenceService) publishProgress(collectionID string, prog evidence.Progress) {
	pubCtx, cancel := context.WithTimeout(context.Background(), collectionPublishWindow)
	defer cancel()
	if err := s.pub.PublishCollectionProgress(pubCtx, collectionID, prog); err != nil {
		slog.Error("Collection progress publish failed", "collection_id", collectionID, "error", err)
	}
}

// scrubFailures masks tenant data that collector errors may carry before the
// reasons leave the process.
func (s *EvidenceService) scrubFailures(failures []evidence.Failure) []evidence.Failure {
	if len(failures) == 0 {
		return nil
	}
	out := make([]evidence.Failure, len(failures))
	for i, f := range failures {
		f.Reason = s.scrubber.Scrub(f.Reason)
		out[i] = f
	}
	return out
}
