package events

import (
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/graph"
)

// BasePayload carries the fields every run-channel payload shares. Clients
// route frames by run_id and order them by seq, which the executor assigns
// monotonically within a run across all event types.
type BasePayload struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Seq   int64  `json:"seq"`
}

// NodeStartedPayload announces that a node began executing.
type NodeStartedPayload struct {
	BasePayload
	Node      string `json:"node"`
	Turn      int    `json:"turn,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NodeChunkPayload is one streamed output delta. Transient: broadcast via
// NOTIFY but never persisted, so it carries only the routing fields and the
// delta itself.
type NodeChunkPayload struct {
	BasePayload
	Node  string `json:"node"`
	Delta string `json:"delta"`
}

// NodeFinishedPayload announces that a node completed its invocation.
type NodeFinishedPayload struct {
	BasePayload
	Node      string `json:"node"`
	Turn      int    `json:"turn,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CheckpointedPayload announces a durable checkpoint write.
type CheckpointedPayload struct {
	BasePayload
	Node      string `json:"node"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// StatusChangedPayload announces a run status transition.
type StatusChangedPayload struct {
	BasePayload
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload announces a recorded node or run error. Message is scrubbed
// before it reaches the publisher.
type ErrorPayload struct {
	BasePayload
	Node      string `json:"node,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// CollectionProgressPayload is a throttled counter snapshot for a running
// evidence collection. Transient.
type CollectionProgressPayload struct {
	Type            string  `json:"type"`
	CollectionID    string  `json:"collection_id"`
	Collected       int     `json:"collected"`
	Failed          int     `json:"failed"`
	Duplicates      int     `json:"duplicates"`
	ProgressPercent float64 `json:"progress_percent"`
	Timestamp       string  `json:"timestamp"`
}

// CollectionStatusPayload announces an evidence collection reaching a
// terminal state, with the final counters.
type CollectionStatusPayload struct {
	Type            string  `json:"type"`
	CollectionID    string  `json:"collection_id"`
	TenantID        string  `json:"tenant_id"`
	Status          string  `json:"status"`
	Collected       int     `json:"collected"`
	Failed          int     `json:"failed"`
	Duplicates      int     `json:"duplicates"`
	ProgressPercent float64 `json:"progress_percent"`
	Timestamp       string  `json:"timestamp"`
}

// PayloadForRunEvent maps an executor event to its wire payload. The second
// return is the run_events event_type column value; persist reports whether
// the event is stored or NOTIFY-only. Unknown event types return a nil
// payload and are dropped by the publisher.
func PayloadForRunEvent(ev graph.Event) (payload any, eventType string, persist bool) {
	base := BasePayload{RunID: ev.RunID, Seq: ev.Seq}
	ts := ev.At.UTC().Format(time.RFC3339Nano)

	switch ev.Type {
	case graph.EventNodeStarted:
		base.Type = EventTypeNodeStarted
		return NodeStartedPayload{BasePayload: base, Node: ev.Node, Turn: ev.Turn, Timestamp: ts}, EventTypeNodeStarted, true
	case graph.EventNodeChunk:
		base.Type = EventTypeNodeChunk
		return NodeChunkPayload{BasePayload: base, Node: ev.Node, Delta: ev.Chunk}, EventTypeNodeChunk, false
	case graph.EventNodeFinished:
		base.Type = EventTypeNodeFinished
		return NodeFinishedPayload{BasePayload: base, Node: ev.Node, Turn: ev.Turn, Timestamp: ts}, EventTypeNodeFinished, true
	case graph.EventCheckpointed:
		base.Type = EventTypeCheckpointed
		return CheckpointedPayload{BasePayload: base, Node: ev.Node, Version: ev.Version, Timestamp: ts}, EventTypeCheckpointed, true
	case graph.EventStatusChanged:
		base.Type = EventTypeStatusChanged
		return StatusChangedPayload{BasePayload: base, Status: string(ev.Status), Timestamp: ts}, EventTypeStatusChanged, true
	case graph.EventError:
		base.Type = EventTypeError
		return ErrorPayload{BasePayload: base, Node: ev.Node, Kind: ev.Kind, Message: ev.Error, Timestamp: ts}, EventTypeError, true
	}
	return nil, "", false
}

// NewCollectionProgress builds the transient progress payload for one
// counter snapshot.
func NewCollectionProgress(collectionID string, p evidence.Progress) CollectionProgressPayload {
	return CollectionProgressPayload{
		Type:            EventTypeCollectionProgress,
		CollectionID:    collectionID,
		Collected:       p.Collected,
		Failed:          p.Failed,
		Duplicates:      p.Duplicates,
		ProgressPercent: p.ProgressPercent,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewCollectionStatus builds the persistent terminal payload for a finished
// collection.
func NewCollectionStatus(collectionID, tenantID string, status evidence.CollectionStatus, p evidence.Progress) CollectionStatusPayload {
	return CollectionStatusPayload{
		Type:            EventTypeCollectionStatus,
		CollectionID:    collectionID,
		TenantID:        tenantID,
		Status:          string(status),
		Collected:       p.Collected,
		Failed:          p.Failed,
		Duplicates:      p.Duplicates,
		ProgressPercent: p.ProgressPercent,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}
