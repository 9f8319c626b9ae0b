package graph

import "time"

// EventType discriminates run stream events.
type EventType string

const (
	EventNodeStarted   EventType = "node_started"
	EventNodeChunk     EventType = "node_chunk"
	EventNodeFinished  EventType = "node_finished"
	EventCheckpointed  EventType = "checkpointed"
	EventStatusChanged EventType = "status_changed"
	EventError         EventType = "error"
)

// Event is one entry in a run's execution stream. Seq increases by one per
// event within a stream; durable per-run sequencing is assigned where events
// are persisted.
type Event struct {
	Seq     int64     `json:"seq"`
	RunID   string    `json:"run_id"`
	Type    EventType `json:"type"`
	Node    string    `json:"node,omitempty"`
	Status  Status    `json:"status,omitempty"`
	Version int       `json:"version,omitempty"` // checkpointed events
	Turn    int       `json:"turn,omitempty"`
	Chunk   string    `json:"chunk,omitempty"` // node_chunk events
	Error   string    `json:"error,omitempty"`
	Kind    string    `json:"kind,omitempty"` // fault kind on error events
	At      time.Time `json:"at"`
}
