package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/utils"
)

// ErrEventNotFound is returned when a log entry cannot be found.
var ErrEventNotFound = errors.New("event not found")

// EventLog is the durable notification log. Events for the same bill carry a
// dense per-bill sequence assigned at append time; delivery order follows it.
type EventLog struct {
	*repository.BaseRepository
}

// NewEventLog creates a new event log instance.
func NewEventLog(db *sql.DB, log *zap.Logger) *EventLog {
	return &EventLog{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "event_log"))),
	}
}

// Append commits an event to the bill's stream, assigning its sequence and
// id. Two concurrent appends to the same bill race on the (bill_id, seq)
// constraint; the loser retries with a fresh sequence.
func (l *EventLog) Append(ctx context.Context, event *events.Event) (string, error) {
	if event.ID == "" {
		event.ID = utils.NewUUIDOrDefault()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := repository.ToJSONB(event.Payload)
	if err != nil {
		return "", err
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = l.GetDB().QueryRowContext(ctx, `
			INSERT INTO event_log (event_id, bill_id, seq, event_type, payload, created_at)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
			FROM event_log
			WHERE bill_id = $2
			RETURNING seq`,
			event.ID,
			event.BillID,
			event.Type,
			payload,
			event.Timestamp,
		).Scan(&event.Sequence)
		if err == nil {
			return event.ID, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			continue // sequence race, retry
		}
		return "", err
	}
	return "", fmt.Errorf("appending event for bill %d: %w", event.BillID, err)
}

// EmitEvent implements events.EventEmitter.
func (l *EventLog) EmitEvent(ctx context.Context, event *events.Event) (string, error) {
	return l.Append(ctx, event)
}

// ListAfter returns a bill's events with sequence greater than afterSeq, in
// commit order. Reconnecting subscribers replay from here.
func (l *EventLog) ListAfter(ctx context.Context, billID, afterSeq int64, limit int) ([]*events.Event, error) {
	rows, err := l.GetDB().QueryContext(ctx, `
		SELECT event_id, bill_id, seq, event_type, payload, created_at
		FROM event_log
		WHERE bill_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, billID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListUndispatched returns events not yet pushed to live subscribers, in
// global commit order.
func (l *EventLog) ListUndispatched(ctx context.Context, limit int) ([]*events.Event, error) {
	rows, err := l.GetDB().QueryContext(ctx, `
		SELECT event_id, bill_id, seq, event_type, payload, created_at
		FROM event_log
		WHERE NOT dispatched
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkDispatched records that the dispatcher has pushed an event to the live
// subscribers. Replay ignores this flag; it reads the full stream.
func (l *EventLog) MarkDispatched(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := l.GetDB().ExecContext(ctx,
		`UPDATE event_log SET dispatched = TRUE WHERE event_id = ANY($1)`,
		pq.Array(eventIDs),
	)
	return err
}

func scanEvents(rows *sql.Rows) ([]*events.Event, error) {
	var out []*events.Event
	for rows.Next() {
		e := &events.Event{}
		var payload []byte
		if err := rows.Scan(
			&e.ID,
			&e.BillID,
			&e.Sequence,
			&e.Type,
			&payload,
			&e.Timestamp,
		); err != nil {
			return nil, err
		}
		var err error
		if e.Payload, err = repository.FromJSONB(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
