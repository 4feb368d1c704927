// Package bill drives the bill lifecycle. Status moves through a fixed
// forward path; withdrawal is allowed from any non-terminal status and
// cancels in-flight analysis for the bill.
package bill

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/redis"
)

// Repository is the persistence surface the service needs.
type Repository interface {
	Create(ctx context.Context, b *billrepo.Bill) error
	GetByID(ctx context.Context, id int64) (*billrepo.Bill, error)
	List(ctx context.Context, limit, offset int) ([]*billrepo.Bill, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	SoftDelete(ctx context.Context, id int64) error
}

// EngagementCascader soft-deletes a bill's engagement records alongside the
// bill itself.
type EngagementCascader interface {
	SoftDeleteByBill(ctx context.Context, billID int64) error
}

// Auditor records lifecycle changes.
type Auditor interface {
	Append(ctx context.Context, e *auditrepo.Event) error
}

// transitions maps each status to the statuses reachable from it. Enacted is
// terminal; withdrawn is terminal and reachable from every non-terminal
// status.
var transitions = map[string][]string{
	billrepo.StatusDraft:      {billrepo.StatusIntroduced, billrepo.StatusWithdrawn},
	billrepo.StatusIntroduced: {billrepo.StatusCommittee, billrepo.StatusWithdrawn},
	billrepo.StatusCommittee:  {billrepo.StatusPassed, billrepo.StatusWithdrawn},
	billrepo.StatusPassed:     {billrepo.StatusEnacted, billrepo.StatusWithdrawn},
	billrepo.StatusEnacted:    {},
	billrepo.StatusWithdrawn:  {},
}

// CanTransition reports whether a bill may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service owns the bill lifecycle and fans status changes out to the event
// log. Withdrawal listeners are invoked synchronously so analysis can cancel
// its jobs before the call returns.
type Service struct {
	log         *zap.Logger
	repo        Repository
	engagements EngagementCascader
	audit       Auditor
	cache       *redis.Cache
	emitter     events.EventEmitter

	mu          sync.RWMutex
	onWithdrawn []func(billID int64)
}

// NewService creates a bill service.
func NewService(log *zap.Logger, repo Repository, engagements EngagementCascader, audit Auditor, cache *redis.Cache, emitter events.EventEmitter) *Service {
	return &Service{
		log:         log,
		repo:        repo,
		engagements: engagements,
		audit:       audit,
		cache:       cache,
		emitter:     emitter,
	}
}

// OnWithdrawn registers a listener called whenever a bill is withdrawn.
func (s *Service) OnWithdrawn(fn func(billID int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWithdrawn = append(s.onWithdrawn, fn)
}

// Create registers a new bill in draft status.
func (s *Service) Create(ctx context.Context, actorID string, b *billrepo.Bill) error {
	if b.Title == "" {
		return errors.Wrap(errors.ErrInvalidInput, "title is required")
	}
	if b.Chamber != billrepo.ChamberNationalAssembly && b.Chamber != billrepo.ChamberSenate {
		return errors.Wrap(errors.ErrInvalidInput, "unknown chamber")
	}
	b.Status = billrepo.StatusDraft
	if err := s.repo.Create(ctx, b); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "bill.created", b.ID)
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "bill.created", b.ID, map[string]interface{}{
		"title":   b.Title,
		"chamber": b.Chamber,
	})
	return nil
}

// Get fetches a bill by id, reading through the cache.
func (s *Service) Get(ctx context.Context, id int64) (*billrepo.Bill, error) {
	key := strconv.FormatInt(id, 10)
	if s.cache != nil {
		var cached billrepo.Bill
		if err := s.cache.GetStrict(ctx, "bill", key, &cached); err == nil {
			return &cached, nil
		}
	}
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, "bill", key, b, redis.TTLBill); err != nil {
			s.log.Warn("Failed to cache bill", zap.Int64("bill_id", id), zap.Error(err))
		}
	}
	return b, nil
}

// List enumerates non-deleted bills.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*billrepo.Bill, error) {
	return s.repo.List(ctx, limit, offset)
}

// Transition moves a bill to a new status. Invalid moves return
// ErrInvalidTransition without mutating anything; a transition to withdrawn
// additionally notifies withdrawal listeners.
func (s *Service) Transition(ctx context.Context, actorID string, id int64, to string) error {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.IsDeleted {
		return billrepo.ErrBillNotFound
	}
	if !CanTransition(b.Status, to) {
		return errors.Wrap(errors.ErrInvalidTransition, b.Status+" -> "+to)
	}
	if err := s.repo.UpdateStatus(ctx, id, to); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.recordAudit(ctx, actorID, "bill.status_changed", id)
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "bill.status_changed", id, map[string]interface{}{
		"from": b.Status,
		"to":   to,
	})
	if to == billrepo.StatusWithdrawn {
		s.notifyWithdrawn(id)
	}
	return nil
}

// Withdraw is shorthand for a transition to withdrawn.
func (s *Service) Withdraw(ctx context.Context, actorID string, id int64) error {
	return s.Transition(ctx, actorID, id, billrepo.StatusWithdrawn)
}

// Delete soft-deletes a bill and cascades the flag to its engagement
// records. The rows stay in place for audit continuity.
func (s *Service) Delete(ctx context.Context, actorID string, id int64) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	if s.engagements != nil {
		if err := s.engagements.SoftDeleteByBill(ctx, id); err != nil {
			s.log.Error("Failed to cascade soft delete to engagements",
				zap.Int64("bill_id", id), zap.Error(err))
		}
	}
	s.invalidate(ctx, id)
	s.recordAudit(ctx, actorID, "bill.deleted", id)
	events.EmitEventWithLogging(ctx, s.emitter, s.log, "bill.deleted", id, nil)
	s.notifyWithdrawn(id)
	return nil
}

func (s *Service) notifyWithdrawn(billID int64) {
	s.mu.RLock()
	listeners := s.onWithdrawn
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(billID)
	}
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "bill", strconv.FormatInt(id, 10)); err != nil {
		s.log.Warn("Failed to invalidate bill cache", zap.Int64("bill_id", id), zap.Error(err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, billID int64) {
	if s.audit == nil {
		return
	}
	err := s.audit.Append(ctx, &auditrepo.Event{
		ActorID:    actorID,
		Action:     action,
		TargetKind: "bill",
		TargetID:   strconv.FormatInt(billID, 10),
	})
	if err != nil {
		s.log.Error("Failed to append audit event",
			zap.String("action", action),
			zap.Int64("bill_id", billID),
			zap.Error(err))
	}
}
