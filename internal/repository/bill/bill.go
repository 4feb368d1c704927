// Package bill stores legislative bills. Bills are never physically deleted;
// a soft-delete flag preserves audit continuity.
package bill

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Bill lifecycle statuses.
const (
	StatusDraft      = "draft"
	StatusIntroduced = "introduced"
	StatusCommittee  = "committee"
	StatusPassed     = "passed"
	StatusEnacted    = "enacted"
	StatusWithdrawn  = "withdrawn"
)

// Chambers of origin.
const (
	ChamberNationalAssembly = "national-assembly"
	ChamberSenate           = "senate"
)

var (
	ErrBillNotFound = errors.New("bill not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race on the
	// engagement score. Callers retry with a fresh read.
	ErrVersionConflict = errors.New("bill score version conflict")
)

// Bill represents a legislative bill. EngagementScore is derived from
// approved engagement records and guarded by ScoreVersion; it is never
// mutated directly.
type Bill struct {
	ID              int64
	Title           string
	Body            string
	Status          string
	Chamber         string
	Sponsor         string
	EngagementScore float64
	ScoreVersion    int64
	IsDeleted       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Repository handles database operations for bills.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new bill repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "bill"))),
	}
}

// Create inserts a new bill in draft status.
func (r *Repository) Create(ctx context.Context, b *Bill) error {
	query := `
		INSERT INTO bill (title, body, status, chamber, sponsor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	if b.Status == "" {
		b.Status = StatusDraft
	}
	now := time.Now()
	return r.GetDB().QueryRowContext(ctx, query,
		b.Title,
		b.Body,
		b.Status,
		b.Chamber,
		b.Sponsor,
		now,
		now,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

// GetByID retrieves a bill by id. Soft-deleted bills are still readable for
// audit continuity; callers check IsDeleted.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Bill, error) {
	b := &Bill{}
	query := `
		SELECT id, title, body, status, chamber, sponsor,
		       engagement_score, score_version, is_deleted, created_at, updated_at
		FROM bill
		WHERE id = $1`

	err := r.GetDB().QueryRowContext(ctx, query, id).Scan(
		&b.ID,
		&b.Title,
		&b.Body,
		&b.Status,
		&b.Chamber,
		&b.Sponsor,
		&b.EngagementScore,
		&b.ScoreVersion,
		&b.IsDeleted,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// List retrieves a paginated list of non-deleted bills, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*Bill, error) {
	query := `
		SELECT id, title, body, status, chamber, sponsor,
		       engagement_score, score_version, is_deleted, created_at, updated_at
		FROM bill
		WHERE NOT is_deleted
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.GetDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []*Bill
	for rows.Next() {
		b := &Bill{}
		if err := rows.Scan(
			&b.ID,
			&b.Title,
			&b.Body,
			&b.Status,
			&b.Chamber,
			&b.Sponsor,
			&b.EngagementScore,
			&b.ScoreVersion,
			&b.IsDeleted,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// UpdateStatus transitions a bill to a new status. The caller validates the
// transition; this only persists it.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status string) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE bill SET status = $1, updated_at = $2 WHERE id = $3 AND NOT is_deleted`,
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
		return ErrBillNotFound
	}
	return nil
}

// UpdateScore writes a recomputed engagement score guarded by the version
// read at recompute time. A stale version returns ErrVersionConflict.
func (r *Repository) UpdateScore(ctx context.Context, id int64, score float64, expectedVersion int64) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE bill
		 SET engagement_score = $1, score_version = score_version + 1, updated_at = $2
		 WHERE id = $3 AND score_version = $4`,
		score, time.Now(), id, expectedVersion,
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
		return ErrVersionConflict
	}
	return nil
}

// SoftDelete marks a bill deleted. There is no hard delete.
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE bill SET is_deleted = TRUE, updated_at = $1 WHERE id = $2`,
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
		return ErrBillNotFound
	}
	return nil
}
