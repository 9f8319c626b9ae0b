package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/masking"
)

// notifyLimit is the largest NOTIFY payload we send. PostgreSQL rejects
// payloads near 8000 bytes; anything bigger is replaced with a truncation
// envelope carrying only the routing fields, and the client fetches the full
// event through catchup.
const notifyLimit = 7900

// Publisher writes run and collection events. Persistent events are inserted
// into run_events and announced via pg_notify in the same transaction, so
// the row and its notification commit atomically and the NOTIFY payload can
// carry the generated db_event_id. Transient events skip the insert.
//
// Free-text fields are scrubbed before marshaling. Scrubbing the serialized
// JSON instead would let the key-value masking patterns swallow structural
// quotes and colons.
type Publisher struct {
	pool     *pgxpool.Pool
	scrubber *masking.Scrubber
}

// NewPublisher creates a Publisher. scrubber may be nil, which disables
// masking; production wiring always passes one.
func NewPublisher(pool *pgxpool.Pool, scrubber *masking.Scrubber) *Publisher {
	return &Publisher{pool: pool, scrubber: scrubber}
}

// PublishRunEvent routes one executor event to the run's channel. Chunks are
// NOTIFY-only; everything else is persisted first. Unknown event types are
// dropped.
func (p *Publisher) PublishRunEvent(ctx context.Context, ev graph.Event) error {
	if p.scrubber != nil {
		ev.Chunk = p.scrubber.Scrub(ev.Chunk)
		ev.Error = p.scrubber.Scrub(ev.Error)
	}

	payload, eventType, persist := PayloadForRunEvent(ev)
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	channel := RunChannel(ev.RunID)
	if !persist {
		return p.notifyOnly(ctx, channel, raw)
	}
	return p.persistAndNotify(ctx, channel, eventType, raw)
}

// PublishCollectionProgress broadcasts one transient counter snapshot on the
// collection's channel.
func (p *Publisher) PublishCollectionProgress(ctx context.Context, collectionID string, prog evidence.Progress) error {
	raw, err := json.Marshal(NewCollectionProgress(collectionID, prog))
	if err != nil {
		return fmt.Errorf("marshaling collection progress payload: %w", err)
	}
	return p.notifyOnly(ctx, CollectionChannel(collectionID), raw)
}

// PublishCollectionStatus persists and broadcasts the terminal event for a
// finished collection.
func (p *Publisher) PublishCollectionStatus(ctx context.Context, collectionID, tenantID string, status evidence.CollectionStatus, prog evidence.Progress) error {
	raw, err := json.Marshal(NewCollectionStatus(collectionID, tenantID, status, prog))
	if err != nil {
		return fmt.Errorf("marshaling collection status payload: %w", err)
	}
	return p.persistAndNotify(ctx, CollectionChannel(collectionID), EventTypeCollectionStatus, raw)
}

// persistAndNotify inserts the event and fires pg_notify inside one
// transaction. pg_notify is transactional, so the notification is held until
// COMMIT and never observed for a row that failed to persist.
func (p *Publisher) persistAndNotify(ctx context.Context, channel, eventType string, payload []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO run_events (channel, event_type, payload) VALUES ($1, $2, $3) RETURNING id`,
		channel, eventType, payload,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persisting %s event: %w", eventType, err)
	}

	notifyPayload, err := withEventID(payload, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, notifyPayload); err != nil {
		return fmt.Errorf("notifying channel %s: %w", channel, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payload []byte) error {
	notifyPayload, err := fitNotify(string(payload))
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, notifyPayload); err != nil {
		return fmt.Errorf("notifying channel %s: %w", channel, err)
	}
	return nil
}

// withEventID injects db_event_id into the payload for NOTIFY delivery. The
// stored row keeps the original payload; the id lives in the row itself.
func withEventID(payload []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("decoding payload for event id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding notify payload: %w", err)
	}
	return fitNotify(string(enriched))
}

// fitNotify returns the payload unchanged when it fits under the NOTIFY
// limit, otherwise the truncation envelope.
func fitNotify(payload string) (string, error) {
	if len(payload) <= notifyLimit {
		return payload, nil
	}
	return truncationEnvelope([]byte(payload))
}

// truncationEnvelope reduces an oversized payload to its routing fields plus
// a truncated marker, keeping enough for the client to fetch the full event.
func truncationEnvelope(payload []byte) (string, error) {
	var routing struct {
		Type         string `json:"type"`
		RunID        string `json:"run_id"`
		CollectionID string `json:"collection_id"`
		Seq          *int64 `json:"seq"`
		DBEventID    *int64 `json:"db_event_id"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("extracting routing fields for truncation: %w", err)
	}

	envelope := map[string]any{
		"type":      routing.Type,
		"truncated": true,
	}
	if routing.RunID != "" {
		envelope["run_id"] = routing.RunID
	}
	if routing.CollectionID != "" {
		envelope["collection_id"] = routing.CollectionID
	}
	if routing.Seq != nil {
		envelope["seq"] = *routing.Seq
	}
	if routing.DBEventID != nil {
		envelope["db_event_id"] = *routing.DBEventID
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encoding truncation envelope: %w", err)
	}
	return string(out), nil
}
