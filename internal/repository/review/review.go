// Package review stores constitutional reviews, their full state history,
// and the expert confirmation queue.
package review

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Reviewer kinds.
const (
	ReviewerAutomated   = "automated"
	ReviewerHumanExpert = "human-expert"
)

// Review states.
const (
	StateUnreviewed         = "unreviewed"
	StateAutomatedFlagged   = "automated-flagged"
	StateExpertQueued       = "expert-queued"
	StateConfirmedViolation = "confirmed-violation"
	StateConfirmedCompliant = "confirmed-compliant"
	StateInconclusive       = "inconclusive"
)

// Findings.
const (
	FindingCompliant          = "compliant"
	FindingPotentialViolation = "potential-violation"
	FindingViolation          = "violation"
	FindingInconclusive       = "inconclusive"
)

var (
	ErrReviewNotFound     = errors.New("review not found")
	ErrQueueEntryNotFound = errors.New("expert queue entry not found")
	// ErrTerminalState is returned when an update targets a review already in
	// a confirmed state.
	ErrTerminalState = errors.New("review is in a terminal state")
	// ErrDuplicateReview is returned when a bill/provision pair already has a
	// review row. Re-running an analysis hits this for provisions recorded on
	// an earlier attempt.
	ErrDuplicateReview = errors.New("review already recorded for bill and provision")
)

// Review is a finding about one bill against one provision. The current row
// is the authoritative finding; overridden states stay in review_history.
type Review struct {
	ID           int64
	BillID       int64
	ProvisionID  int64
	ReviewerKind string
	State        string
	Finding      string
	Confidence   float64
	Rationale    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryEntry is one past state of a review.
type HistoryEntry struct {
	ID           int64
	ReviewID     int64
	State        string
	Finding      string
	ReviewerKind string
	Confidence   float64
	Rationale    string
	RecordedAt   time.Time
}

// QueueEntry is a review waiting for expert confirmation.
type QueueEntry struct {
	ID        int64
	ReviewID  int64
	Deadline  time.Time
	Escalated bool
	TakenBy   *string
	TakenAt   *time.Time
	CreatedAt time.Time
}

// Repository handles database operations for reviews.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new review repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "review"))),
	}
}

// Create inserts a review and its first history entry in one transaction.
func (r *Repository) Create(ctx context.Context, rev *Review) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer r.RollbackTx(tx)

	now := time.Now()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO review (bill_id, provision_id, reviewer_kind, state, finding, confidence, rationale, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		rev.BillID,
		rev.ProvisionID,
		rev.ReviewerKind,
		rev.State,
		rev.Finding,
		rev.Confidence,
		rev.Rationale,
		now,
		now,
	).Scan(&rev.ID, &rev.CreatedAt, &rev.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReview
		}
		return err
	}

	if err := appendHistory(ctx, tx, rev); err != nil {
		return err
	}
	return r.CommitTx(tx)
}

// GetByID retrieves a review by id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Review, error) {
	rev := &Review{}
	err := r.GetDB().QueryRowContext(ctx, `
		SELECT id, bill_id, provision_id, reviewer_kind, state, finding, confidence, rationale, created_at, updated_at
		FROM review
		WHERE id = $1`, id,
	).Scan(
		&rev.ID,
		&rev.BillID,
		&rev.ProvisionID,
		&rev.ReviewerKind,
		&rev.State,
		&rev.Finding,
		&rev.Confidence,
		&rev.Rationale,
		&rev.CreatedAt,
		&rev.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// ListByBill returns all reviews for a bill, most specific provisions first
// by confidence.
func (r *Repository) ListByBill(ctx context.Context, billID int64) ([]*Review, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, bill_id, provision_id, reviewer_kind, state, finding, confidence, rationale, created_at, updated_at
		FROM review
		WHERE bill_id = $1
		ORDER BY confidence DESC, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []*Review
	for rows.Next() {
		rev := &Review{}
		if err := rows.Scan(
			&rev.ID,
			&rev.BillID,
			&rev.ProvisionID,
			&rev.ReviewerKind,
			&rev.State,
			&rev.Finding,
			&rev.Confidence,
			&rev.Rationale,
			&rev.CreatedAt,
			&rev.UpdatedAt,
		); err != nil {
			return nil, err
		}
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}

// UpdateState writes a review's new state and appends it to history. The
// WHERE clause refuses updates to reviews already in a confirmed state; the
// service layer validates the full transition table.
func (r *Repository) UpdateState(ctx context.Context, rev *Review) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer r.RollbackTx(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE review
		SET reviewer_kind = $1, state = $2, finding = $3, confidence = $4, rationale = $5, updated_at = $6
		WHERE id = $7
		  AND state NOT IN ('confirmed-violation', 'confirmed-compliant')`,
		rev.ReviewerKind,
		rev.State,
		rev.Finding,
		rev.Confidence,
		rev.Rationale,
		time.Now(),
		rev.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetByID(ctx, rev.ID); err != nil {
			return err
		}
		return ErrTerminalState
	}

	if err := appendHistory(ctx, tx, rev); err != nil {
		return err
	}
	return r.CommitTx(tx)
}

// History returns a review's past states, oldest first.
func (r *Repository) History(ctx context.Context, reviewID int64) ([]*HistoryEntry, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, review_id, state, finding, reviewer_kind, confidence, rationale, recorded_at
		FROM review_history
		WHERE review_id = $1
		ORDER BY id`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(
			&e.ID,
			&e.ReviewID,
			&e.State,
			&e.Finding,
			&e.ReviewerKind,
			&e.Confidence,
			&e.Rationale,
			&e.RecordedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Enqueue adds a review to the expert queue with a deadline. A review with
// an open entry is not enqueued twice; the existing entry is returned.
func (r *Repository) Enqueue(ctx context.Context, reviewID int64, deadline time.Time) (*QueueEntry, error) {
	entry := &QueueEntry{ReviewID: reviewID, Deadline: deadline}
	err := r.GetDB().QueryRowContext(ctx, `
		INSERT INTO expert_queue (review_id, deadline, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (review_id) WHERE taken_at IS NULL DO NOTHING
		RETURNING id, created_at`,
		reviewID, deadline, time.Now(),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return r.openEntry(ctx, reviewID)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *Repository) openEntry(ctx context.Context, reviewID int64) (*QueueEntry, error) {
	entry := &QueueEntry{}
	err := r.GetDB().QueryRowContext(ctx, `
		SELECT id, review_id, deadline, escalated, created_at
		FROM expert_queue
		WHERE review_id = $1 AND taken_at IS NULL`,
		reviewID,
	).Scan(&entry.ID, &entry.ReviewID, &entry.Deadline, &entry.Escalated, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Take claims the oldest unclaimed queue entry for a reviewer. Returns
// ErrQueueEntryNotFound when the queue is empty.
func (r *Repository) Take(ctx context.Context, reviewerID string) (*QueueEntry, error) {
	entry := &QueueEntry{}
	var takenBy sql.NullString
	var takenAt sql.NullTime
	err := r.GetDB().QueryRowContext(ctx, `
		UPDATE expert_queue
		SET taken_by = $1, taken_at = $2
		WHERE id = (
			SELECT id FROM expert_queue
			WHERE taken_at IS NULL
			ORDER BY deadline
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, review_id, deadline, escalated, taken_by, taken_at, created_at`,
		reviewerID, time.Now(),
	).Scan(
		&entry.ID,
		&entry.ReviewID,
		&entry.Deadline,
		&entry.Escalated,
		&takenBy,
		&takenAt,
		&entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if takenBy.Valid {
		entry.TakenBy = &takenBy.String
	}
	if takenAt.Valid {
		entry.TakenAt = &takenAt.Time
	}
	return entry, nil
}

// ListTimedOut returns unclaimed entries whose deadline has passed and which
// have not yet been escalated.
func (r *Repository) ListTimedOut(ctx context.Context, now time.Time) ([]*QueueEntry, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, review_id, deadline, escalated, taken_by, taken_at, created_at
		FROM expert_queue
		WHERE taken_at IS NULL AND NOT escalated AND deadline < $1
		ORDER BY deadline`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry := &QueueEntry{}
		var takenBy sql.NullString
		var takenAt sql.NullTime
		if err := rows.Scan(
			&entry.ID,
			&entry.ReviewID,
			&entry.Deadline,
			&entry.Escalated,
			&takenBy,
			&takenAt,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if takenBy.Valid {
			entry.TakenBy = &takenBy.String
		}
		if takenAt.Valid {
			entry.TakenAt = &takenAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Escalate marks a timed-out entry escalated and extends its deadline in
// place. The entry stays open, so an overdue review is re-offered rather
// than dropped, and a review never holds two open entries.
func (r *Repository) Escalate(ctx context.Context, entryID int64, newDeadline time.Time) error {
	res, err := r.GetDB().ExecContext(ctx, `
		UPDATE expert_queue
		SET escalated = TRUE, deadline = $2
		WHERE id = $1 AND taken_at IS NULL`,
		entryID, newDeadline)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

// CountQueued reports the number of unclaimed queue entries.
func (r *Repository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expert_queue WHERE taken_at IS NULL`,
	).Scan(&n)
	return n, err
}

// ListBillsNeedingAnalysis returns ids of active bills with no reviews yet,
// the retry sweep's work list.
func (r *Repository) ListBillsNeedingAnalysis(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT b.id
		FROM bill b
		LEFT JOIN review rv ON rv.bill_id = b.id
		WHERE b.status NOT IN ('draft', 'withdrawn')
		  AND NOT b.is_deleted
		  AND rv.id IS NULL
		ORDER BY b.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func appendHistory(ctx context.Context, tx *sql.Tx, rev *Review) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_history (review_id, state, finding, reviewer_kind, confidence, rationale, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rev.ID,
		rev.State,
		rev.Finding,
		rev.ReviewerKind,
		rev.Confidence,
		rev.Rationale,
		time.Now(),
	)
	return err
}
