package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruleiq/orchestrator/pkg/graph"
)

// publishTimeout bounds one event write once it is detached from the run.
const publishTimeout = 5 * time.Second

// Bus adapts Publisher to the executor's fire-and-forget surface. The
// executor emits under its run context; Bus detaches the write from it
// because terminal events arrive after that context is already cancelled
// and must still land.
type Bus struct {
	pub *Publisher
}

// NewBus wraps pub for use as a graph executor Publisher.
func NewBus(pub *Publisher) *Bus {
	return &Bus{pub: pub}
}

// Publish persists and broadcasts ev. Failures are logged, never surfaced;
// a lost notification is recoverable through catchup while a stalled run is
// not.
func (b *Bus) Publish(ctx context.Context, ev graph.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.pub.PublishRunEvent(pubCtx, ev); err != nil {
		slog.Error("Run event publish failed",
			"run_id", ev.RunID,
			"event_type", string(ev.Type),
			"error", err)
	}
}
