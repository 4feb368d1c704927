// Package notification pushes committed bill events to live subscribers and
// replays the durable stream for reconnecting ones. Delivery is at least
// once; subscribers deduplicate on event id.
package notification

import (
	"context"
	"encoding/json"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/metrics"
	"github.com/katiba-labs/katiba/pkg/ws"
)

// EventStream is the durable event log the dispatcher tails.
type EventStream interface {
	ListUndispatched(ctx context.Context, limit int) ([]*events.Event, error)
	ListAfter(ctx context.Context, billID, afterSeq int64, limit int) ([]*events.Event, error)
	MarkDispatched(ctx context.Context, eventIDs []string) error
}

// Broadcaster fans an envelope out to a bill's live subscribers.
type Broadcaster interface {
	Broadcast(billID int64, envelope *events.Envelope) error
}

// Dispatcher tails the event log and broadcasts new events in per-bill
// commit order. An event is marked dispatched only after the broadcast
// succeeds, so a crash between the two redelivers rather than drops.
type Dispatcher struct {
	log       *zap.Logger
	stream    EventStream
	broadcast Broadcaster
	breaker   *cb.CircuitBreaker
	interval  time.Duration
	batchSize int
}

// NewDispatcher creates a dispatcher polling at interval.
func NewDispatcher(log *zap.Logger, stream EventStream, broadcast Broadcaster, interval time.Duration) *Dispatcher {
	settings := cb.Settings{
		Name:    "NotificationFanoutCB",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Dispatcher{
		log:       log,
		stream:    stream,
		broadcast: broadcast,
		breaker:   cb.NewCircuitBreaker(settings),
		interval:  interval,
		batchSize: 256,
	}
}

// Run polls the event log until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchPending(ctx); err != nil {
				d.log.Error("Dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// DispatchPending pushes one batch of undispatched events. A failed
// broadcast stops delivery for that bill so later events never overtake an
// earlier one; other bills in the batch continue.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	pending, err := d.stream.ListUndispatched(ctx, d.batchSize)
	if err != nil {
		return errors.Wrap(err, "listing undispatched events")
	}
	if len(pending) == 0 {
		return nil
	}

	var delivered []string
	stalled := make(map[int64]bool)
	for _, event := range pending {
		if stalled[event.BillID] {
			continue
		}
		if err := d.deliver(event); err != nil {
			stalled[event.BillID] = true
			d.log.Warn("Broadcast failed, stalling bill stream",
				zap.Int64("bill_id", event.BillID),
				zap.Int64("seq", event.Sequence),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, event.ID)
		metrics.DispatchedEvents.WithLabelValues(event.Type).Inc()
	}

	if err := d.stream.MarkDispatched(ctx, delivered); err != nil {
		// The events went out but the flag write failed, so the next pass
		// redelivers them. At-least-once makes that safe.
		return errors.Wrap(err, "marking events dispatched")
	}
	return nil
}

// Healthy reports whether the fanout breaker is accepting deliveries.
func (d *Dispatcher) Healthy() error {
	if d.breaker.State() == cb.StateOpen {
		return errors.New("notification fanout circuit open")
	}
	return nil
}

func (d *Dispatcher) deliver(event *events.Event) error {
	envelope, err := Envelope(event)
	if err != nil {
		return err
	}
	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.broadcast.Broadcast(event.BillID, envelope)
	})
	return err
}

// Replay streams a bill's events after afterSeq to one client, then signals
// completion. Replay reads the durable log, so it also covers events the
// live path already delivered.
func (d *Dispatcher) Replay(ctx context.Context, billID, afterSeq int64, correlationID string, client ws.Client) error {
	cursor := afterSeq
	for {
		batch, err := d.stream.ListAfter(ctx, billID, cursor, d.batchSize)
		if err != nil {
			return errors.Wrap(err, "reading event stream for replay")
		}
		for _, event := range batch {
			envelope, err := Envelope(event)
			if err != nil {
				return err
			}
			if err := client.Send(envelope); err != nil {
				return errors.Wrap(err, "sending replayed event")
			}
			cursor = event.Sequence
		}
		if len(batch) < d.batchSize {
			break
		}
	}
	return client.Send(&events.Envelope{
		Kind:          events.KindReplayComplete,
		CorrelationID: correlationID,
		Direction:     events.DirectionServer,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// Envelope wraps a committed event for the wire.
func Envelope(event *events.Event) (*events.Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "encoding event payload")
	}
	return &events.Envelope{
		Kind:          events.KindEvent,
		CorrelationID: event.ID,
		Direction:     events.DirectionServer,
		Payload:       payload,
		Timestamp:     event.Timestamp.UnixMilli(),
	}, nil
}
