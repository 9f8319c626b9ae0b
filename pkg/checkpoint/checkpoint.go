// Package checkpoint persists run execution frames. The executor writes one
// checkpoint per node transition and Resume reads the latest frame back.
// Versions within a run are strictly increasing; a frame, once written, is
// immutable.
package checkpoint

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// Checkpoint is one durable frame of a run. Snapshot is a self-contained
// encoding of the run state produced by EncodeSnapshot.
type Checkpoint struct {
	RunID          string    `json:"run_id"`
	Version        int       `json:"version"`
	Node           string    `json:"node"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Snapshot       []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists checkpoints. Versions start at 1; LatestVersion returns 0
// for a run with no frames. List returns frames in version order with
// Snapshot omitted; Load fetches a single complete frame.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	LatestVersion(ctx context.Context, runID string) (int, error)
	Load(ctx context.Context, runID string, version int) (Checkpoint, error)
	List(ctx context.Context, runID string) ([]Checkpoint, error)
	Delete(ctx context.Context, runID string) error
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// SnapshotSchema tags every encoded snapshot. Decoding rejects blobs written
// with any other value, so bump it whenever the run state encoding changes
// incompatibly.
const SnapshotSchema byte = 0x01

// EncodeSnapshot serializes v as msgpack prefixed with SnapshotSchema.
func EncodeSnapshot(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "checkpoint.encode", err)
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, SnapshotSchema)
	return append(buf, payload...), nil
}

// DecodeSnapshot decodes a blob produced by EncodeSnapshot into v.
func DecodeSnapshot(data []byte, v any) error {
	if len(data) == 0 {
		return fault.New(fault.KindInternal, "snapshot is empty")
	}
	if data[0] != SnapshotSchema {
		return fault.Newf(fault.KindInternal, "unknown snapshot schema 0x%02x", data[0])
	}
	if err := msgpack.Unmarshal(data[1:], v); err != nil {
		return fault.Wrap(fault.KindInternal, "checkpoint.decode", err)
	}
	return nil
}

func validateFrame(cp Checkpoint) error {
	switch {
	case cp.RunID == "":
		return fault.New(fault.KindInvalidInput, "checkpoint run id is empty")
	case cp.Version < 1:
		return fault.Newf(fault.KindInvalidInput, "checkpoint version %d, want >= 1", cp.Version)
	case cp.Node == "":
		return fault.New(fault.KindInvalidInput, "checkpoint node is empty")
	}
	return nil
}
