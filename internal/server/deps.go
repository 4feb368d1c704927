package server

import (
	"context"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
	"github.com/katiba-labs/katiba/pkg/ws"
)

// ProvisionService is the provision surface the REST layer consumes.
type ProvisionService interface {
	Ingest(ctx context.Context, actorID string, p *provisionrepo.Provision) error
	Get(ctx context.Context, id int64) (*provisionrepo.Provision, error)
	Ancestors(ctx context.Context, id int64) ([]*provisionrepo.Provision, error)
	Descendants(ctx context.Context, id int64) ([]*provisionrepo.Provision, error)
	Move(ctx context.Context, actorID string, id int64, newParentID *int64, ordinal int) error
	Remove(ctx context.Context, actorID string, id int64) error
}

// BillService is the bill lifecycle surface the REST layer consumes.
type BillService interface {
	Create(ctx context.Context, actorID string, b *billrepo.Bill) error
	Get(ctx context.Context, id int64) (*billrepo.Bill, error)
	List(ctx context.Context, limit, offset int) ([]*billrepo.Bill, error)
	Transition(ctx context.Context, actorID string, id int64, to string) error
	Delete(ctx context.Context, actorID string, id int64) error
}

// EngagementService is the engagement surface the REST layer consumes.
type EngagementService interface {
	Submit(ctx context.Context, rec *engagementrepo.Record) error
	ListByBill(ctx context.Context, billID int64, limit, offset int) ([]*engagementrepo.Record, error)
	Approve(ctx context.Context, actorID string, id int64) error
	Reject(ctx context.Context, actorID string, id int64) error
	Delete(ctx context.Context, actorID string, id int64) error
}

// AnalysisService is the review surface the REST layer consumes.
type AnalysisService interface {
	Enqueue(billID int64) error
	ReviewsForBill(ctx context.Context, billID int64) ([]*reviewrepo.Review, error)
	ReviewHistory(ctx context.Context, reviewID int64) ([]*reviewrepo.HistoryEntry, error)
	TakeForReview(ctx context.Context, reviewerID string) (*reviewrepo.QueueEntry, *reviewrepo.Review, error)
	RecordExpertDecision(ctx context.Context, reviewerID string, reviewID int64, finding, rationale string) (*reviewrepo.Review, error)
}

// VulnerabilityService is the catalog surface the REST layer consumes.
type VulnerabilityService interface {
	Add(ctx context.Context, actorID string, e *vulnrepo.Entry) error
	Get(ctx context.Context, id int64) (*vulnrepo.Entry, error)
	ListByProvision(ctx context.Context, provisionID int64) ([]*vulnrepo.Entry, error)
	SetStatus(ctx context.Context, actorID string, id int64, status string) error
}

// AuditReader reads the append-only audit trail.
type AuditReader interface {
	ListByTarget(ctx context.Context, targetKind, targetID string, limit int) ([]*auditrepo.Event, error)
}

// Replayer streams a bill's durable event log to one subscriber.
type Replayer interface {
	Replay(ctx context.Context, billID, afterSeq int64, correlationID string, client ws.Client) error
}

// HealthCheck reports the status of one dependency. Implementations must be
// fast; the health endpoint calls them inline.
type HealthCheck func(ctx context.Context) error

// Deps bundles the services the HTTP layer is wired with.
type Deps struct {
	Provisions    ProvisionService
	Bills         BillService
	Engagements   EngagementService
	Analysis      AnalysisService
	Vulnerability VulnerabilityService
	Audit         AuditReader
	WS            ws.Manager
	Replayer      Replayer

	// Checks maps a dependency name to its health check. Nil or empty means the
	// endpoint only reports process liveness.
	Checks map[string]HealthCheck
}
