// Package vulnerability maintains the catalog of structural weaknesses in
// the constitutional text, cross-referenced to the provisions they concern.
package vulnerability

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
	"github.com/katiba-labs/katiba/pkg/errors"
)

// Repository is the persistence surface the catalog needs.
type Repository interface {
	Create(ctx context.Context, e *vulnrepo.Entry) error
	GetByID(ctx context.Context, id int64) (*vulnrepo.Entry, error)
	ListByProvision(ctx context.Context, provisionID int64) ([]*vulnrepo.Entry, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// Auditor records catalog changes.
type Auditor interface {
	Append(ctx context.Context, e *auditrepo.Event) error
}

// Catalog validates and records vulnerability entries.
type Catalog struct {
	log   *zap.Logger
	repo  Repository
	audit Auditor
}

// NewCatalog creates a vulnerability catalog.
func NewCatalog(log *zap.Logger, repo Repository, audit Auditor) *Catalog {
	return &Catalog{log: log, repo: repo, audit: audit}
}

// Add catalogs a new vulnerability. An entry must describe the weakness,
// name a known source lineage, and reference at least one provision.
func (c *Catalog) Add(ctx context.Context, actorID string, e *vulnrepo.Entry) error {
	if e.Description == "" {
		return errors.Wrap(errors.ErrInvalidInput, "description is required")
	}
	switch e.Source {
	case vulnrepo.SourceInheritedUK, vulnrepo.SourceInheritedUS, vulnrepo.SourceKenyaSpecific:
	default:
		return errors.Wrap(errors.ErrInvalidInput, "unknown vulnerability source")
	}
	if e.Severity < 1 || e.Severity > 5 {
		return errors.Wrap(errors.ErrInvalidInput, "severity must be between 1 and 5")
	}
	if len(e.ProvisionIDs) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "at least one provision reference is required")
	}
	if e.Status == "" {
		e.Status = vulnrepo.StatusTheoretical
	}
	if err := c.repo.Create(ctx, e); err != nil {
		return err
	}
	c.recordAudit(ctx, actorID, "vulnerability.cataloged", e.ID)
	return nil
}

// Get fetches one entry.
func (c *Catalog) Get(ctx context.Context, id int64) (*vulnrepo.Entry, error) {
	return c.repo.GetByID(ctx, id)
}

// ListByProvision returns the entries referencing a provision.
func (c *Catalog) ListByProvision(ctx context.Context, provisionID int64) ([]*vulnrepo.Entry, error) {
	return c.repo.ListByProvision(ctx, provisionID)
}

// SetStatus moves an entry's exploitation status.
func (c *Catalog) SetStatus(ctx context.Context, actorID string, id int64, status string) error {
	switch status {
	case vulnrepo.StatusTheoretical, vulnrepo.StatusOngoing, vulnrepo.StatusHistoricallyExploited:
	default:
		return errors.Wrap(errors.ErrInvalidInput, "unknown exploitation status")
	}
	if err := c.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	c.recordAudit(ctx, actorID, "vulnerability.status_changed", id)
	return nil
}

func (c *Catalog) recordAudit(ctx context.Context, actorID, action string, entryID int64) {
	if c.audit == nil {
		return
	}
	err := c.audit.Append(ctx, &auditrepo.Event{
		ActorID:    actorID,
		Action:     action,
		TargetKind: "vulnerability",
		TargetID:   strconv.FormatInt(entryID, 10),
	})
	if err != nil {
		c.log.Error("Failed to append audit event",
			zap.String("action", action),
			zap.Int64("vulnerability_id", entryID),
			zap.Error(err))
	}
}
