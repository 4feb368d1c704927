// Package engagement stores citizen interactions with bills. Rejected and
// soft-deleted records are excluded from derived scores but retained for
// audit.
package engagement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Engagement kinds.
const (
	KindComment      = "comment"
	KindVote         = "vote"
	KindVerification = "verification"
)

// Moderation statuses.
const (
	ModerationPending  = "pending"
	ModerationApproved = "approved"
	ModerationRejected = "rejected"
)

var (
	ErrEngagementNotFound = errors.New("engagement record not found")
	// ErrAlreadyModerated is returned when a record has left pending.
	// Corrections create a new record referencing the old one.
	ErrAlreadyModerated = errors.New("engagement record already moderated")
)

// Record is a single citizen interaction with a bill.
type Record struct {
	ID               int64
	BillID           int64
	CitizenID        string
	Kind             string
	Content          string
	ModerationStatus string
	CorrectsID       *int64
	IsDeleted        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Tally summarizes the approved, non-deleted records of one bill by kind.
type Tally struct {
	Comments      int
	Votes         int
	Verifications int
}

// Repository handles database operations for engagement records.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new engagement repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "engagement"))),
	}
}

// Create inserts a new record in pending moderation status.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO engagement (bill_id, citizen_id, kind, content, moderation_status, corrects_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	if rec.ModerationStatus == "" {
		rec.ModerationStatus = ModerationPending
	}
	var corrects sql.NullInt64
	if rec.CorrectsID != nil {
		corrects = sql.NullInt64{Int64: *rec.CorrectsID, Valid: true}
	}
	now := time.Now()
	return r.GetDB().QueryRowContext(ctx, query,
		rec.BillID,
		rec.CitizenID,
		rec.Kind,
		rec.Content,
		rec.ModerationStatus,
		corrects,
		now,
		now,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// GetByID retrieves an engagement record by id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Record, error) {
	rec := &Record{}
	var corrects sql.NullInt64
	query := `
		SELECT id, bill_id, citizen_id, kind, content, moderation_status, corrects_id, is_deleted, created_at, updated_at
		FROM engagement
		WHERE id = $1`

	err := r.GetDB().QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.BillID,
		&rec.CitizenID,
		&rec.Kind,
		&rec.Content,
		&rec.ModerationStatus,
		&corrects,
		&rec.IsDeleted,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEngagementNotFound
	}
	if err != nil {
		return nil, err
	}
	if corrects.Valid {
		rec.CorrectsID = &corrects.Int64
	}
	return rec, nil
}

// ListByBill retrieves a bill's engagement records, newest first.
func (r *Repository) ListByBill(ctx context.Context, billID int64, limit, offset int) ([]*Record, error) {
	query := `
		SELECT id, bill_id, citizen_id, kind, content, moderation_status, corrects_id, is_deleted, created_at, updated_at
		FROM engagement
		WHERE bill_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.GetDB().QueryContext(ctx, query, billID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var corrects sql.NullInt64
		if err := rows.Scan(
			&rec.ID,
			&rec.BillID,
			&rec.CitizenID,
			&rec.Kind,
			&rec.Content,
			&rec.ModerationStatus,
			&corrects,
			&rec.IsDeleted,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if corrects.Valid {
			rec.CorrectsID = &corrects.Int64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetModerationStatus moves a pending record to approved or rejected. The
// WHERE clause enforces the one-way state machine at the store.
func (r *Repository) SetModerationStatus(ctx context.Context, id int64, status string) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE engagement
		 SET moderation_status = $1, updated_at = $2
		 WHERE id = $3 AND moderation_status = 'pending'`,
		status, time.Now(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyModerated
	}
	return nil
}

// SoftDelete flips the is_deleted flag; the record remains for audit.
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE engagement SET is_deleted = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEngagementNotFound
	}
	return nil
}

// SoftDeleteByBill cascades a bill soft-delete to its engagement records.
func (r *Repository) SoftDeleteByBill(ctx context.Context, billID int64) error {
	_, err := r.GetDB().ExecContext(ctx,
		`UPDATE engagement SET is_deleted = TRUE, updated_at = $1 WHERE bill_id = $2`,
		time.Now(), billID,
	)
	return err
}

// TallyApproved counts the approved, non-deleted records of a bill by kind.
// Score recomputation reads only this.
func (r *Repository) TallyApproved(ctx context.Context, billID int64) (*Tally, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'comment'),
			COUNT(*) FILTER (WHERE kind = 'vote'),
			COUNT(*) FILTER (WHERE kind = 'verification')
		FROM engagement
		WHERE bill_id = $1 AND moderation_status = 'approved' AND NOT is_deleted`

	t := &Tally{}
	err := r.GetDB().QueryRowContext(ctx, query, billID).Scan(
		&t.Comments,
		&t.Votes,
		&t.Verifications,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
