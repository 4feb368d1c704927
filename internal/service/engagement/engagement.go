// Package engagement records citizen interactions and derives each bill's
// engagement score from the approved tally. Score recomputation is collapsed
// per bill and guarded by optimistic concurrency against the bill row.
package engagement

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/metrics"
	"github.com/katiba-labs/katiba/pkg/redis"
)

// scoreRetries bounds the optimistic-concurrency retry loop. Losing every
// attempt surfaces ErrConflict to the caller, who resubmits.
const scoreRetries = 3

// Repository is the persistence surface the service needs.
type Repository interface {
	Create(ctx context.Context, rec *engagementrepo.Record) error
	GetByID(ctx context.Context, id int64) (*engagementrepo.Record, error)
	ListByBill(ctx context.Context, billID int64, limit, offset int) ([]*engagementrepo.Record, error)
	SetModerationStatus(ctx context.Context, id int64, status string) error
	SoftDelete(ctx context.Context, id int64) error
	TallyApproved(ctx context.Context, billID int64) (*engagementrepo.Tally, error)
}

// BillStore exposes the bill rows the score recompute reads and writes.
type BillStore interface {
	GetByID(ctx context.Context, id int64) (*billrepo.Bill, error)
	UpdateScore(ctx context.Context, id int64, score float64, expectedVersion int64) error
}

// Auditor records moderation decisions.
type Auditor interface {
	Append(ctx context.Context, e *auditrepo.Event) error
}

// Service accepts engagement submissions, runs moderation, and keeps each
// bill's engagement score consistent with its approved tally.
type Service struct {
	log     *zap.Logger
	repo    Repository
	bills   BillStore
	audit   Auditor
	cache   *redis.Cache
	emitter events.EventEmitter
	scorer  *Scorer

	recompute singleflight.Group
}

// NewService creates an engagement service.
func NewService(log *zap.Logger, repo Repository, bills BillStore, audit Auditor, cache *redis.Cache, emitter events.EventEmitter, scorer *Scorer) *Service {
	return &Service{
		log:     log,
		repo:    repo,
		bills:   bills,
		audit:   audit,
		cache:   cache,
		emitter: emitter,
		scorer:  scorer,
	}
}

// Submit records a citizen interaction in pending moderation status. The
// target bill must exist and still be open for engagement.
func (s *Service) Submit(ctx context.Context, rec *engagementrepo.Record) error {
	switch rec.Kind {
	case engagementrepo.KindComment, engagementrepo.KindVote, engagementrepo.KindVerification:
	default:
		return errors.Wrap(errors.ErrInvalidInput, "unknown engagement kind")
	}
	if rec.CitizenID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "citizen_id is required")
	}
	if rec.Kind == engagementrepo.KindComment && rec.Content == "" {
		return errors.Wrap(errors.ErrInvalidInput, "comment content is required")
	}

	b, err := s.bills.GetByID(ctx, rec.BillID)
	if err != nil {
		return err
	}
	if b.IsDeleted {
		return billrepo.ErrBillNotFound
	}
	if b.Status == billrepo.StatusWithdrawn {
		return errors.ErrBillWithdrawn
	}

	if rec.CorrectsID != nil {
		prev, err := s.repo.GetByID(ctx, *rec.CorrectsID)
		if err != nil {
			return err
		}
		if prev.BillID != rec.BillID {
			return errors.Wrap(errors.ErrInvalidInput, "correction targets a record on a different bill")
		}
		if prev.CitizenID != rec.CitizenID {
			return errors.Wrap(errors.ErrInvalidInput, "correction targets another citizen's record")
		}
	}

	rec.ModerationStatus = engagementrepo.ModerationPending
	if err := s.repo.Create(ctx, rec); err != nil {
		return err
	}
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "engagement.submitted", rec.BillID, map[string]interface{}{
		"engagement_id": rec.ID,
		"kind":          rec.Kind,
	})
	return nil
}

// Get fetches an engagement record by id.
func (s *Service) Get(ctx context.Context, id int64) (*engagementrepo.Record, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByBill enumerates a bill's engagement records.
func (s *Service) ListByBill(ctx context.Context, billID int64, limit, offset int) ([]*engagementrepo.Record, error) {
	return s.repo.ListByBill(ctx, billID, limit, offset)
}

// Approve moves a pending record to approved and recomputes the bill score.
func (s *Service) Approve(ctx context.Context, actorID string, id int64) error {
	return s.moderate(ctx, actorID, id, engagementrepo.ModerationApproved)
}

// Reject moves a pending record to rejected. Rejected records never count
// toward the score, so no recompute is needed.
func (s *Service) Reject(ctx context.Context, actorID string, id int64) error {
	return s.moderate(ctx, actorID, id, engagementrepo.ModerationRejected)
}

// Delete soft-deletes one record. A deleted record stops counting, so an
// approved one triggers a score recompute.
func (s *Service) Delete(ctx context.Context, actorID string, id int64) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "engagement.deleted", id)
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "engagement.deleted", rec.BillID, map[string]interface{}{
		"engagement_id": id,
	})
	if rec.ModerationStatus == engagementrepo.ModerationApproved {
		if _, err := s.RecomputeScore(ctx, rec.BillID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) moderate(ctx context.Context, actorID string, id int64, status string) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	// Only the bill id survives from the pre-update read; the event reports
	// the decided status, never the record's stale one.
	billID := rec.BillID
	if err := s.repo.SetModerationStatus(ctx, id, status); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "engagement."+status, id)
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "engagement.moderated", billID, map[string]interface{}{
		"engagement_id": id,
		"decision":      status,
	})
	if status == engagementrepo.ModerationApproved {
		if _, err := s.RecomputeScore(ctx, billID); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeScore re-derives a bill's engagement score from the approved
// tally. Concurrent calls for the same bill collapse into one; a lost
// version race is retried with a fresh read, then surfaced as ErrConflict.
func (s *Service) RecomputeScore(ctx context.Context, billID int64) (float64, error) {
	key := strconv.FormatInt(billID, 10)
	v, err, _ := s.recompute.Do(key, func() (interface{}, error) {
		return s.recomputeOnce(ctx, billID)
	})
	if err != nil {
		metrics.ScoreRecomputes.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.ScoreRecomputes.WithLabelValues("ok").Inc()
	return v.(float64), nil
}

func (s *Service) recomputeOnce(ctx context.Context, billID int64) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < scoreRetries; attempt++ {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return 0, err
		}
		tally, err := s.repo.TallyApproved(ctx, billID)
		if err != nil {
			return 0, err
		}
		score, err := s.scorer.Score(tally)
		if err != nil {
			return 0, err
		}
		err = s.bills.UpdateScore(ctx, billID, score, b.ScoreVersion)
		if err == nil {
			s.invalidateScore(ctx, billID)
			return score, nil
		}
		if !errors.Is(err, billrepo.ErrVersionConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, errors.LogWithError(ctx, s.log, "engagement score recompute", errors.ErrConflict,
		zap.Int64("bill_id", billID), zap.NamedError("last_attempt", lastErr))
}

func (s *Service) invalidateScore(ctx context.Context, billID int64) {
	if s.cache == nil {
		return
	}
	key := strconv.FormatInt(billID, 10)
	if err := s.cache.Delete(ctx, "bill", key); err != nil {
		s.log.Warn("Failed to invalidate bill cache", zap.Int64("bill_id", billID), zap.Error(err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, engagementID int64) {
	if s.audit == nil {
		return
	}
	err := s.audit.Append(ctx, &auditrepo.Event{
		ActorID:    actorID,
		Action:     action,
		TargetKind: "engagement",
		TargetID:   strconv.FormatInt(engagementID, 10),
	})
	if err != nil {
		s.log.Error("Failed to append audit event",
			zap.String("action", action),
			zap.Int64("engagement_id", engagementID),
			zap.Error(err))
	}
}
