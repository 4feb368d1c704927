// Package vulnerability catalogs structural weaknesses in the constitutional
// text. Entries are independent of bills and cross-referenced by provision.
package vulnerability

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Vulnerability sources.
const (
	SourceInheritedUK   = "inherited-uk"
	SourceInheritedUS   = "inherited-us"
	SourceKenyaSpecific = "kenya-specific"
)

// Exploitation statuses.
const (
	StatusTheoretical           = "theoretical"
	StatusOngoing               = "ongoing"
	StatusHistoricallyExploited = "historically-exploited"
)

var (
	ErrVulnerabilityNotFound = errors.New("vulnerability not found")
	ErrUnknownProvision      = errors.New("vulnerability references unknown provision")
)

// Entry is a cataloged structural weakness.
type Entry struct {
	ID           int64
	Description  string
	Source       string
	Severity     int
	Status       string
	ProvisionIDs []int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository handles database operations for vulnerability entries.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new vulnerability repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "vulnerability"))),
	}
}

// Create inserts an entry and its provision cross-references in one
// transaction.
func (r *Repository) Create(ctx context.Context, e *Entry) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer r.RollbackTx(tx)

	now := time.Now()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO vulnerability (description, source, severity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		e.Description,
		e.Source,
		e.Severity,
		e.Status,
		now,
		now,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return err
	}

	for _, pid := range e.ProvisionIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vulnerability_provision (vulnerability_id, provision_id)
			VALUES ($1, $2)`,
			e.ID, pid,
		); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return ErrUnknownProvision
			}
			return err
		}
	}
	return r.CommitTx(tx)
}

// GetByID retrieves an entry with its provision references.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Entry, error) {
	e := &Entry{}
	err := r.GetDB().QueryRowContext(ctx, `
		SELECT id, description, source, severity, status, created_at, updated_at
		FROM vulnerability
		WHERE id = $1`, id,
	).Scan(&e.ID, &e.Description, &e.Source, &e.Severity, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrVulnerabilityNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT provision_id FROM vulnerability_provision
		WHERE vulnerability_id = $1
		ORDER BY provision_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pid int64
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		e.ProvisionIDs = append(e.ProvisionIDs, pid)
	}
	return e, rows.Err()
}

// ListByProvision returns the entries cross-referenced to a provision,
// highest severity first.
func (r *Repository) ListByProvision(ctx context.Context, provisionID int64) ([]*Entry, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT v.id, v.description, v.source, v.severity, v.status, v.created_at, v.updated_at
		FROM vulnerability v
		JOIN vulnerability_provision vp ON vp.vulnerability_id = v.id
		WHERE vp.provision_id = $1
		ORDER BY v.severity DESC, v.id`, provisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Description, &e.Source, &e.Severity, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateStatus moves an entry between exploitation statuses.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status string) error {
	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE vulnerability SET status = $1, updated_at = $2 WHERE id = $3`,
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
		return ErrVulnerabilityNotFound
	}
	return nil
}
