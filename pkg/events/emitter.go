package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event is a committed domain event tied to a bill stream. Sequence is the
// per-bill commit order assigned by the durable log; ID is the subscriber
// dedup key.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	BillID    int64                  `json:"bill_id"`
	Sequence  int64                  `json:"sequence"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventEmitter appends an event to the durable log. Emission happens after
// the owning write has committed; delivery to subscribers is the
// dispatcher's job.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *Event) (string, error)
}

// EmitEventWithLogging emits an event and logs any emission failure. Returns
// the event id and true if emission succeeded.
func EmitEventWithLogging(
	ctx context.Context,
	emitter EventEmitter,
	log *zap.Logger,
	eventType string,
	billID int64,
	payload map[string]interface{},
	extraFields ...zap.Field,
) (string, bool) {
	if emitter == nil {
		return "", false
	}
	id, err := emitter.EmitEvent(ctx, &Event{
		Type:      eventType,
		BillID:    billID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		if log != nil {
			fields := append([]zap.Field{
				zap.String("event_type", eventType),
				zap.Int64("bill_id", billID),
				zap.Error(err),
			}, extraFields...)
			log.Error("Failed to emit event", fields...)
		}
		return "", false
	}
	return id, true
}
