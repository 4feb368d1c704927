// Package provision serves the Constitution's provision hierarchy. The tree
// is read-shared by analysis jobs; only ingestion mutates it, under an
// exclusive lock for the duration of a structural change.
package provision

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	"github.com/katiba-labs/katiba/pkg/redis"
)

// Repository is the persistence surface the service needs.
type Repository interface {
	Insert(ctx context.Context, p *provisionrepo.Provision) error
	GetByID(ctx context.Context, id int64) (*provisionrepo.Provision, error)
	ListAll(ctx context.Context) ([]*provisionrepo.Provision, error)
	Ancestors(ctx context.Context, id int64) ([]*provisionrepo.Provision, error)
	Descendants(ctx context.Context, id int64) ([]*provisionrepo.Provision, error)
	SetParent(ctx context.Context, id int64, newParentID *int64, ordinal int) error
	Delete(ctx context.Context, id int64) error
}

// Auditor records administrative changes to the tree.
type Auditor interface {
	Append(ctx context.Context, e *auditrepo.Event) error
}

// Service loads and mutates the provision tree and owns the shared snapshot.
type Service struct {
	log   *zap.Logger
	repo  Repository
	audit Auditor
	cache *redis.Cache

	mu       sync.RWMutex
	snapshot *Tree
}

// NewService creates a provision service. Reload must be called before the
// first Snapshot.
func NewService(log *zap.Logger, repo Repository, audit Auditor, cache *redis.Cache) *Service {
	return &Service{
		log:   log,
		repo:  repo,
		audit: audit,
		cache: cache,
	}
}

// Reload rebuilds the in-memory snapshot from the store.
func (s *Service) Reload(ctx context.Context) error {
	provisions, err := s.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	tree, err := BuildTree(provisions)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = tree
	s.mu.Unlock()
	s.log.Info("Provision tree reloaded", zap.Int("provisions", tree.Len()))
	return nil
}

// Snapshot returns the current immutable tree. Analysis jobs hold the
// returned value for their whole run; it is never mutated in place.
func (s *Service) Snapshot() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Ingest inserts a provision and refreshes the snapshot. Structural
// validation failures leave both the store and the snapshot unchanged.
func (s *Service) Ingest(ctx context.Context, actorID string, p *provisionrepo.Provision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ParentID != nil && s.snapshot != nil {
		parent, ok := s.snapshot.Get(*p.ParentID)
		if !ok {
			return provisionrepo.ErrParentNotFound
		}
		if provisionrepo.Specificity(p.Kind) <= provisionrepo.Specificity(parent.Kind) {
			return provisionrepo.ErrInvalidKind
		}
	}
	// Root chapters are siblings of each other, so the duplicate-ordinal
	// check must run here even when the store's composite constraint treats
	// NULL parents as distinct.
	if s.ordinalTaken(p.ParentID, p.Ordinal, 0) {
		return provisionrepo.ErrDuplicateOrdinal
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		return err
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "provision.ingested", p.ID)
	s.invalidateCache(ctx)
	return nil
}

// Move reparents a provision. Cycles are rejected by the repository; the
// snapshot is refreshed only after a successful move.
func (s *Service) Move(ctx context.Context, actorID string, id int64, newParentID *int64, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ordinalTaken(newParentID, ordinal, id) {
		return provisionrepo.ErrDuplicateOrdinal
	}
	if err := s.repo.SetParent(ctx, id, newParentID, ordinal); err != nil {
		return err
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "provision.moved", id)
	s.invalidateCache(ctx)
	return nil
}

// Remove deletes a leaf provision. Deleting a node that still has children
// is rejected; the caller must reassign or remove the subtree first.
func (s *Service) Remove(ctx context.Context, actorID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot != nil {
		if n, ok := s.snapshot.Get(id); ok && len(n.Children) > 0 {
			return provisionrepo.ErrHasChildren
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "provision.removed", id)
	s.invalidateCache(ctx)
	return nil
}

// Get resolves a provision by id from the snapshot, falling back to the
// store when no snapshot is loaded.
func (s *Service) Get(ctx context.Context, id int64) (*provisionrepo.Provision, error) {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()
	if snapshot != nil {
		if n, ok := snapshot.Get(id); ok {
			return &provisionrepo.Provision{
				ID:        n.ID,
				Kind:      n.Kind,
				ParentID:  n.ParentID,
				Ordinal:   n.Ordinal,
				Numbering: n.Numbering,
				Body:      n.Body,
			}, nil
		}
		return nil, provisionrepo.ErrProvisionNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// Ancestors enumerates a node's ancestors, nearest first.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]*provisionrepo.Provision, error) {
	return s.repo.Ancestors(ctx, id)
}

// Descendants enumerates a node's subtree.
func (s *Service) Descendants(ctx context.Context, id int64) ([]*provisionrepo.Provision, error) {
	return s.repo.Descendants(ctx, id)
}

// ordinalTaken reports whether a different sibling under parentID already
// holds ordinal. A nil parentID means the root chapter level. Callers hold
// the write lock.
func (s *Service) ordinalTaken(parentID *int64, ordinal int, excludeID int64) bool {
	if s.snapshot == nil {
		return false
	}
	var siblings []*Node
	if parentID == nil {
		siblings = s.snapshot.Roots()
	} else if parent, ok := s.snapshot.Get(*parentID); ok {
		siblings = parent.Children
	}
	for _, sib := range siblings {
		if sib.ID != excludeID && sib.Ordinal == ordinal {
			return true
		}
	}
	return false
}

func (s *Service) reloadLocked(ctx context.Context) error {
	provisions, err := s.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	tree, err := BuildTree(provisions)
	if err != nil {
		return err
	}
	s.snapshot = tree
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, provisionID int64) {
	if s.audit == nil {
		return
	}
	err := s.audit.Append(ctx, &auditrepo.Event{
		ActorID:    actorID,
		Action:     action,
		TargetKind: "provision",
		TargetID:   strconv.FormatInt(provisionID, 10),
	})
	if err != nil {
		s.log.Error("Failed to append audit event",
			zap.String("action", action),
			zap.Int64("provision_id", provisionID),
			zap.Error(err))
	}
}

func (s *Service) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "tree", "snapshot"); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("Failed to invalidate provision cache", zap.Error(err))
	}
}
