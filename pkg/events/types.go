// Package events persists run and collection events and delivers them to
// WebSocket subscribers, using PostgreSQL NOTIFY/LISTEN for cross-instance
// distribution.
//
// Two delivery classes exist. Clients tell them apart by event type.
//
// Persistent events (stored in run_events, then NOTIFY):
//
//	NodeStarted, NodeFinished, Checkpointed, StatusChanged, Error,
//	CollectionStatus
//
// The database row id travels in the NOTIFY payload as db_event_id and is
// the cursor for catch-up: a reconnecting client sends its last seen
// db_event_id and receives everything it missed, up to a limit.
//
// Transient events (NOTIFY only, never stored):
//
//	NodeChunk, CollectionProgress
//
// Chunks and progress snapshots are high-frequency and ephemeral. A client
// that reconnects mid-run loses the deltas it missed; the full answer is
// recoverable from the run resource once the run finishes, and collection
// counters arrive with the terminal CollectionStatus event.
package events

// Wire event types. These are the "type" values clients switch on.
const (
	EventTypeNodeStarted   = "NodeStarted"
	EventTypeNodeChunk     = "NodeChunk"
	EventTypeNodeFinished  = "NodeFinished"
	EventTypeCheckpointed  = "Checkpointed"
	EventTypeStatusChanged = "StatusChanged"
	EventTypeError         = "Error"

	EventTypeCollectionProgress = "CollectionProgress"
	EventTypeCollectionStatus   = "CollectionStatus"
)

const (
	runChannelPrefix        = "run:"
	collectionChannelPrefix = "collection:"
)

// RunChannel returns the channel carrying one run's event stream.
func RunChannel(runID string) string {
	return runChannelPrefix + runID
}

// CollectionChannel returns the channel carrying one evidence collection's
// progress stream.
func CollectionChannel(collectionID string) string {
	return collectionChannelPrefix + collectionID
}

// validChannel reports whether a client-supplied channel name belongs to one
// of the two channel families. Anything else is rejected before it reaches
// LISTEN.
func validChannel(channel string) bool {
	if len(channel) > len(runChannelPrefix) && channel[:len(runChannelPrefix)] == runChannelPrefix {
		return true
	}
	if len(channel) > len(collectionChannelPrefix) && channel[:len(collectionChannelPrefix)] == collectionChannelPrefix {
		return true
	}
	return false
}

// ClientMessage is the JSON structure for client to server WebSocket
// messages.
type ClientMessage struct {
	// Action is one of "subscribe", "unsubscribe", "catchup", "ping".
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	// LastEventID is the db_event_id cursor for catchup.
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
