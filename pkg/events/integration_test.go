package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/events"
	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/masking"
	"github.com/ruleiq/orchestrator/pkg/services"
	testdb "github.com/ruleiq/orchestrator/test/database"
	"github.com/ruleiq/orchestrator/test/util"
)

// streamingEnv wires every real component of the event path against a real
// PostgreSQL database: publisher, run_events table, NOTIFY listener,
// connection manager, and a WebSocket server.
type streamingEnv struct {
	pool      *pgxpool.Pool
	publisher *events.Publisher
	svc       *services.EventService
	manager   *events.ConnectionManager
	listener  *events.NotifyListener
	server    *httptest.Server
	runID     string
	channel   string
}

func setupStreamingEnv(t *testing.T) *streamingEnv {
	t.Helper()
	ctx := context.Background()

	pool := testdb.NewPool(t)
	publisher := events.NewPublisher(pool, masking.NewScrubber(nil))
	svc := services.NewEventService(pool)
	manager := events.NewConnectionManager(svc, 5*time.Second)

	// The listener needs the database-level connection string; NOTIFY
	// ignores schema search_path.
	listener := events.NewNotifyListener(util.BaseConnString(t), manager)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)
	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	runID := uuid.NewString()
	return &streamingEnv{
		pool:      pool,
		publisher: publisher,
		svc:       svc,
		manager:   manager,
		listener:  listener,
		server:    server,
		runID:     runID,
		channel:   events.RunChannel(runID),
	}
}

func (env *streamingEnv) connectWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// subscribe connects a client and subscribes it to the given channel. The
// manager runs LISTEN synchronously before confirming, so once this returns
// every subsequent publish is delivered.
func (env *streamingEnv) subscribe(t *testing.T, channel string) *websocket.Conn {
	t.Helper()
	conn := env.connectWS(t)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	writeJSON(t, conn, events.ClientMessage{Action: "subscribe", Channel: channel})
	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])

	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSONTimeout(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestIntegration_PublisherPersistsLifecycleEvents(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 1, RunID: env.runID, Type: graph.EventNodeStarted, Node: "PLAN", At: time.Now(),
	})
	require.NoError(t, err)
	err = env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 2, RunID: env.runID, Type: graph.EventNodeFinished, Node: "PLAN", At: time.Now(),
	})
	require.NoError(t, err)

	stored, err := env.svc.GetEventsSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.Equal(t, "NodeStarted", stored[0].Payload["type"])
	assert.Equal(t, float64(1), stored[0].Payload["seq"])
	assert.Equal(t, "NodeFinished", stored[1].Payload["type"])
	assert.Equal(t, float64(2), stored[1].Payload["seq"])
	assert.Greater(t, stored[1].ID, stored[0].ID)

	// The stored payload never contains the row id; it is injected only
	// into NOTIFY and catchup deliveries.
	assert.NotContains(t, stored[0].Payload, "db_event_id")
}

func TestIntegration_ChunksAreNotPersisted(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 1, RunID: env.runID, Type: graph.EventNodeChunk, Node: "RESPOND", Chunk: "partial", At: time.Now(),
	})
	require.NoError(t, err)

	stored, err := env.svc.GetEventsSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIntegration_PublishReachesWebSocket(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	conn := env.subscribe(t, env.channel)

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 1, RunID: env.runID, Type: graph.EventNodeStarted, Node: "PLAN", At: time.Now(),
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "NodeStarted", msg["type"])
	assert.Equal(t, env.runID, msg["run_id"])
	assert.Equal(t, float64(1), msg["seq"])
	assert.Equal(t, "PLAN", msg["node"])
	assert.NotNil(t, msg["db_event_id"])

	// Transient chunks arrive too, without a row id.
	err = env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 2, RunID: env.runID, Type: graph.EventNodeChunk, Node: "RESPOND", Chunk: "token", At: time.Now(),
	})
	require.NoError(t, err)

	msg = readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "NodeChunk", msg["type"])
	assert.Equal(t, "token", msg["delta"])
	assert.NotContains(t, msg, "db_event_id")
}

func TestIntegration_DeltaStreamingSequence(t *testing.T) {
	// A streamed node emits NodeStarted, one NodeChunk per delta, then
	// NodeFinished. The client reconstructs the content by concatenating
	// deltas and observes one gap-free seq ordering across all frames.
	env := setupStreamingEnv(t)
	ctx := context.Background()

	conn := env.subscribe(t, env.channel)

	deltas := []string{"Processor records must ", "name a retention period ", "per Article 30."}
	seq := int64(1)

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: seq, RunID: env.runID, Type: graph.EventNodeStarted, Node: "RESPOND", At: time.Now(),
	})
	require.NoError(t, err)
	for _, delta := range deltas {
		seq++
		err := env.publisher.PublishRunEvent(ctx, graph.Event{
			Seq: seq, RunID: env.runID, Type: graph.EventNodeChunk, Node: "RESPOND", Chunk: delta, At: time.Now(),
		})
		require.NoError(t, err)
	}
	seq++
	err = env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: seq, RunID: env.runID, Type: graph.EventNodeFinished, Node: "RESPOND", At: time.Now(),
	})
	require.NoError(t, err)

	var reconstructed strings.Builder
	for want := int64(1); want <= seq; want++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(want), msg["seq"], "frames must arrive in seq order without gaps")
		if msg["type"] == "NodeChunk" {
			reconstructed.WriteString(msg["delta"].(string))
		}
	}
	assert.Equal(t, strings.Join(deltas, ""), reconstructed.String())
}

func TestIntegration_CatchupReplaysMissedEvents(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	// Publish with nobody connected.
	for seq := int64(1); seq <= 3; seq++ {
		err := env.publisher.PublishRunEvent(ctx, graph.Event{
			Seq: seq, RunID: env.runID, Type: graph.EventCheckpointed, Node: "PLAN", Version: int(seq), At: time.Now(),
		})
		require.NoError(t, err)
	}

	// A late subscriber gets the full history replayed on subscribe.
	conn := env.subscribe(t, env.channel)

	var secondID float64
	for seq := 1; seq <= 3; seq++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, "Checkpointed", msg["type"])
		assert.Equal(t, float64(seq), msg["seq"])
		require.NotNil(t, msg["db_event_id"])
		if seq == 2 {
			secondID = msg["db_event_id"].(float64)
		}
	}

	// Explicit catchup from a cursor returns only what follows it.
	cursor := int64(secondID)
	writeJSON(t, conn, events.ClientMessage{Action: "catchup", Channel: env.channel, LastEventID: &cursor})

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, float64(3), msg["seq"])
}

func TestIntegration_CollectionChannelDelivery(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	collectionID := uuid.NewString()
	channel := events.CollectionChannel(collectionID)
	conn := env.subscribe(t, channel)

	err := env.publisher.PublishCollectionProgress(ctx, collectionID, evidence.Progress{
		Collected: 2, ProgressPercent: 40,
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "CollectionProgress", msg["type"])
	assert.Equal(t, collectionID, msg["collection_id"])
	assert.Equal(t, float64(2), msg["collected"])

	err = env.publisher.PublishCollectionStatus(ctx, collectionID, "tenant-1", evidence.CollectionCompleted, evidence.Progress{
		Collected: 5, ProgressPercent: 100,
	})
	require.NoError(t, err)

	msg = readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "CollectionStatus", msg["type"])
	assert.Equal(t, "COMPLETED", msg["status"])
	assert.NotNil(t, msg["db_event_id"])

	// Progress snapshots are transient; only the terminal event is stored.
	stored, err := env.svc.GetEventsSince(ctx, channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "CollectionStatus", stored[0].Payload["type"])
}

func TestIntegration_ErrorEventsAreScrubbed(t *testing.T) {
	env := setupStreamingEnv(t)
	ctx := context.Background()

	conn := env.subscribe(t, env.channel)

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq:   1,
		RunID: env.runID,
		Type:  graph.EventError,
		Node:  "ACT",
		Kind:  "ToolError",
		Error: "provider rejected key sk-ant-REDACTED",
		At:    time.Now(),
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "Error", msg["type"])
	assert.Contains(t, msg["message"], "***MASKED_API_KEY***")
	assert.NotContains(t, msg["message"], "sk-ant-")

	stored, err := env.svc.GetEventsSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].Payload["message"], "sk-ant-")
}

func TestIntegration_OversizedChunkTruncated(t *testing.T) {
	// NOTIFY rejects payloads near 8000 bytes, so a chunk bigger than the
	// limit is delivered as a truncation envelope with routing fields only.
	env := setupStreamingEnv(t)
	ctx := context.Background()

	conn := env.subscribe(t, env.channel)

	err := env.publisher.PublishRunEvent(ctx, graph.Event{
		Seq: 1, RunID: env.runID, Type: graph.EventNodeChunk, Node: "RESPOND",
		Chunk: strings.Repeat("x", 16000), At: time.Now(),
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "NodeChunk", msg["type"])
	assert.Equal(t, env.runID, msg["run_id"])
	assert.Equal(t, float64(1), msg["seq"])
	assert.Equal(t, true, msg["truncated"])
	assert.NotContains(t, msg, "delta")
}

func TestIntegration_BusSurvivesCancelledRunContext(t *testing.T) {
	// Terminal events are emitted under an already cancelled run context;
	// the bus detaches the write so the row still lands.
	env := setupStreamingEnv(t)
	bus := events.NewBus(env.publisher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, graph.Event{
		Seq: 1, RunID: env.runID, Type: graph.EventStatusChanged,
		Status: graph.StatusCancelled, At: time.Now(),
	})

	stored, err := env.svc.GetEventsSince(context.Background(), env.channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "StatusChanged", stored[0].Payload["type"])
	assert.Equal(t, "CANCELLED", stored[0].Payload["status"])
}
