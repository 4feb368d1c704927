// Package audit is the security domain's ground truth: an append-only event
// table plus the durable per-bill notification log. Nothing here is ever
// updated or deleted, except the dispatch marker on the notification log.
package audit

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Event is one append-only audit record.
type Event struct {
	ID         int64
	ActorID    string
	Action     string
	TargetKind string
	TargetID   string
	Payload    map[string]interface{}
	CreatedAt  time.Time
}

// Repository handles the append-only audit table.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new audit repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "audit"))),
	}
}

// Append writes an audit event. Write-once.
func (r *Repository) Append(ctx context.Context, e *Event) error {
	payload, err := repository.ToJSONB(e.Payload)
	if err != nil {
		return err
	}
	return r.GetDB().QueryRowContext(ctx, `
		INSERT INTO audit_event (actor_id, action, target_kind, target_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.ActorID,
		e.Action,
		e.TargetKind,
		e.TargetID,
		payload,
		time.Now(),
	).Scan(&e.ID, &e.CreatedAt)
}

// ListByTarget returns the audit trail of one entity, oldest first.
func (r *Repository) ListByTarget(ctx context.Context, targetKind, targetID string, limit int) ([]*Event, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, actor_id, action, target_kind, target_id, payload, created_at
		FROM audit_event
		WHERE target_kind = $1 AND target_id = $2
		ORDER BY id
		LIMIT $3`, targetKind, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload []byte
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.Action,
			&e.TargetKind,
			&e.TargetID,
			&payload,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if e.Payload, err = repository.FromJSONB(payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
