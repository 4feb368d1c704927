// Package provision stores the Constitution's hierarchical text structure.
// The tree is read-mostly reference data; only the ingestion path writes it.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/repository"
)

// Provision kinds, most general to most specific.
const (
	KindChapter = "chapter"
	KindArticle = "article"
	KindSection = "section"
	KindClause  = "clause"
)

var (
	ErrProvisionNotFound = errors.New("provision not found")
	ErrParentNotFound    = errors.New("parent provision not found")
	ErrDuplicateOrdinal  = errors.New("duplicate sibling ordinal")
	ErrCycle             = errors.New("provision move would create a cycle")
	ErrHasChildren       = errors.New("provision has children")
	ErrInvalidKind       = errors.New("invalid provision kind")
)

var validKinds = map[string]bool{
	KindChapter: true,
	KindArticle: true,
	KindSection: true,
	KindClause:  true,
}

// Provision is a node in the Constitution tree. ParentID is nil for root
// chapters.
type Provision struct {
	ID        int64
	Kind      string
	ParentID  *int64
	Ordinal   int
	Numbering string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Specificity orders kinds: clause beats section beats article beats chapter.
func Specificity(kind string) int {
	switch kind {
	case KindClause:
		return 4
	case KindSection:
		return 3
	case KindArticle:
		return 2
	case KindChapter:
		return 1
	default:
		return 0
	}
}

// Repository handles database operations for provisions.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new provision repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log.With(zap.String("repository", "provision"))),
	}
}

// Insert adds a new provision. A missing parent or a duplicate sibling
// ordinal is rejected and the tree is unchanged. New nodes cannot create
// cycles; only moves can, see SetParent.
func (r *Repository) Insert(ctx context.Context, p *Provision) error {
	if !validKinds[p.Kind] {
		return ErrInvalidKind
	}
	query := `
		INSERT INTO provision (kind, parent_id, ordinal, numbering, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	now := time.Now()
	err := r.GetDB().QueryRowContext(ctx, query,
		p.Kind,
		nullableID(p.ParentID),
		p.Ordinal,
		p.Numbering,
		p.Body,
		now,
		now,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

// GetByID retrieves a provision by its id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Provision, error) {
	p := &Provision{}
	var parentID sql.NullInt64
	query := `
		SELECT id, kind, parent_id, ordinal, numbering, body, created_at, updated_at
		FROM provision
		WHERE id = $1`

	err := r.GetDB().QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Kind,
		&parentID,
		&p.Ordinal,
		&p.Numbering,
		&p.Body,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProvisionNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p.ParentID = &parentID.Int64
	}
	return p, nil
}

// ListAll returns every provision in tree order (parents before children,
// siblings by ordinal). Used to build the in-memory snapshot.
func (r *Repository) ListAll(ctx context.Context) ([]*Provision, error) {
	query := `
		SELECT id, kind, parent_id, ordinal, numbering, body, created_at, updated_at
		FROM provision
		ORDER BY parent_id NULLS FIRST, ordinal`

	rows, err := r.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var provisions []*Provision
	for rows.Next() {
		p := &Provision{}
		var parentID sql.NullInt64
		if err := rows.Scan(
			&p.ID,
			&p.Kind,
			&parentID,
			&p.Ordinal,
			&p.Numbering,
			&p.Body,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if parentID.Valid {
			p.ParentID = &parentID.Int64
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

// Ancestors returns the chain from the node's parent up to its root chapter.
func (r *Repository) Ancestors(ctx context.Context, id int64) ([]*Provision, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT p.*, 0 AS depth FROM provision p WHERE p.id = $1
			UNION ALL
			SELECT p.*, chain.depth + 1 FROM provision p
			JOIN chain ON p.id = chain.parent_id
		)
		SELECT id, kind, parent_id, ordinal, numbering, body, created_at, updated_at
		FROM chain
		WHERE depth > 0
		ORDER BY depth`
	return r.queryProvisions(ctx, query, id)
}

// Descendants returns the subtree below a node, breadth-first.
func (r *Repository) Descendants(ctx context.Context, id int64) ([]*Provision, error) {
	query := `
		WITH RECURSIVE subtree AS (
			SELECT p.*, 0 AS depth FROM provision p WHERE p.id = $1
			UNION ALL
			SELECT p.*, subtree.depth + 1 FROM provision p
			JOIN subtree ON p.parent_id = subtree.id
		)
		SELECT id, kind, parent_id, ordinal, numbering, body, created_at, updated_at
		FROM subtree
		WHERE depth > 0
		ORDER BY depth, ordinal`
	return r.queryProvisions(ctx, query, id)
}

// SetParent moves a node under a new parent. Rejected when the new parent is
// the node itself or one of its descendants.
func (r *Repository) SetParent(ctx context.Context, id int64, newParentID *int64, ordinal int) error {
	if newParentID != nil {
		if *newParentID == id {
			return ErrCycle
		}
		descendants, err := r.Descendants(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range descendants {
			if d.ID == *newParentID {
				return ErrCycle
			}
		}
	}

	result, err := r.GetDB().ExecContext(ctx,
		`UPDATE provision SET parent_id = $1, ordinal = $2, updated_at = $3 WHERE id = $4`,
		nullableID(newParentID), ordinal, time.Now(), id,
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProvisionNotFound
	}
	return nil
}

// Delete removes a leaf provision. Nodes with children are rejected; the
// caller must reassign or remove the subtree first.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	var childCount int
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provision WHERE parent_id = $1`, id,
	).Scan(&childCount)
	if err != nil {
		return err
	}
	if childCount > 0 {
		return ErrHasChildren
	}

	result, err := r.GetDB().ExecContext(ctx, `DELETE FROM provision WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProvisionNotFound
	}
	return nil
}

func (r *Repository) queryProvisions(ctx context.Context, query string, args ...interface{}) ([]*Provision, error) {
	rows, err := r.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var provisions []*Provision
	for rows.Next() {
		p := &Provision{}
		var parentID sql.NullInt64
		if err := rows.Scan(
			&p.ID,
			&p.Kind,
			&parentID,
			&p.Ordinal,
			&p.Numbering,
			&p.Body,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if parentID.Valid {
			p.ParentID = &parentID.Int64
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func mapConstraintErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return ErrDuplicateOrdinal
		case "23503": // foreign_key_violation
			return ErrParentNotFound
		}
	}
	return err
}
