// Package analysis runs automated constitutional review of bills and routes
// flagged provisions to human experts. Automated findings are provisional;
// only an expert decision can confirm a violation, and an overturned flag
// stays visible in the review history.
package analysis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	provisionsvc "github.com/katiba-labs/katiba/internal/service/provision"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/metrics"
	"github.com/katiba-labs/katiba/pkg/utils"
)

// Reviews is the persistence surface the engine needs.
type Reviews interface {
	Create(ctx context.Context, rev *reviewrepo.Review) error
	GetByID(ctx context.Context, id int64) (*reviewrepo.Review, error)
	ListByBill(ctx context.Context, billID int64) ([]*reviewrepo.Review, error)
	UpdateState(ctx context.Context, rev *reviewrepo.Review) error
	History(ctx context.Context, reviewID int64) ([]*reviewrepo.HistoryEntry, error)
	Enqueue(ctx context.Context, reviewID int64, deadline time.Time) (*reviewrepo.QueueEntry, error)
	Take(ctx context.Context, reviewerID string) (*reviewrepo.QueueEntry, error)
	ListTimedOut(ctx context.Context, now time.Time) ([]*reviewrepo.QueueEntry, error)
	Escalate(ctx context.Context, entryID int64, newDeadline time.Time) error
	CountQueued(ctx context.Context) (int, error)
	ListBillsNeedingAnalysis(ctx context.Context, limit int) ([]int64, error)
}

// BillStore reads the bills the engine analyzes.
type BillStore interface {
	GetByID(ctx context.Context, id int64) (*billrepo.Bill, error)
}

// SnapshotProvider hands out the current provision tree.
type SnapshotProvider interface {
	Snapshot() *provisionsvc.Tree
}

// Auditor records expert decisions.
type Auditor interface {
	Append(ctx context.Context, e *auditrepo.Event) error
}

// Engine owns automated analysis jobs and the expert review workflow.
type Engine struct {
	log        *zap.Logger
	reviews    Reviews
	bills      BillStore
	provisions SnapshotProvider
	matcher    *Matcher
	emitter    events.EventEmitter
	audit      Auditor
	pool       *utils.WorkerPool
	deadline   time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// NewEngine creates an analysis engine with its own worker pool. Start must
// be called before Enqueue.
func NewEngine(
	log *zap.Logger,
	reviews Reviews,
	bills BillStore,
	provisions SnapshotProvider,
	matcher *Matcher,
	emitter events.EventEmitter,
	audit Auditor,
	workers int,
	expertDeadline time.Duration,
) *Engine {
	return &Engine{
		log:        log,
		reviews:    reviews,
		bills:      bills,
		provisions: provisions,
		matcher:    matcher,
		emitter:    emitter,
		audit:      audit,
		pool:       utils.NewWorkerPool("analysis", workers),
		deadline:   expertDeadline,
		running:    make(map[int64]context.CancelFunc),
	}
}

// Start launches the worker pool and drains its error channel.
func (e *Engine) Start() {
	e.pool.Start()
	go func() {
		for err := range e.pool.Errors() {
			e.log.Error("Analysis job failed", zap.Error(err))
		}
	}()
}

// Stop shuts the worker pool down and cancels in-flight jobs.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.pool.Stop()
}

type analysisTask struct {
	engine *Engine
	billID int64
}

func (t analysisTask) Process(ctx context.Context) error {
	return t.engine.runAnalysis(ctx, t.billID)
}

// Enqueue schedules an automated analysis of one bill.
func (e *Engine) Enqueue(billID int64) error {
	return e.pool.Submit(analysisTask{engine: e, billID: billID})
}

// CancelBill aborts any in-flight analysis of the bill. Withdrawn bills do
// not get a verdict.
func (e *Engine) CancelBill(billID int64) {
	e.mu.Lock()
	cancel, ok := e.running[billID]
	e.mu.Unlock()
	if ok {
		cancel()
		e.log.Info("Cancelled in-flight analysis", zap.Int64("bill_id", billID))
	}
}

func (e *Engine) runAnalysis(ctx context.Context, billID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[billID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, billID)
		e.mu.Unlock()
	}()

	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.AnalysisJobs.WithLabelValues(outcome).Inc()
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()

	var b *billrepo.Bill
	fetch := func() error {
		var err error
		b, err = e.bills.GetByID(ctx, billID)
		if errors.Is(err, billrepo.ErrBillNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(fetch, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		outcome = "error"
		return errors.Wrap(err, "loading bill for analysis")
	}
	if b.Status == billrepo.StatusWithdrawn || b.IsDeleted {
		outcome = "cancelled"
		e.log.Info("Skipping analysis of withdrawn bill", zap.Int64("bill_id", billID))
		return nil
	}

	tree := e.provisions.Snapshot()
	if tree == nil {
		outcome = "error"
		return errors.New("provision snapshot not loaded")
	}
	findings := e.matcher.Analyze(tree, b.Title+"\n"+b.Body)

	// recordFinding is idempotent per bill/provision pair, so the whole loop
	// retries from the top after a partial failure without duplicating the
	// findings an earlier attempt already persisted.
	record := func() error {
		for _, f := range findings {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			default:
			}
			if err := e.recordFinding(ctx, billID, f); err != nil {
				e.log.Warn("Recording finding failed, will retry",
					zap.Int64("bill_id", billID),
					zap.Int64("provision_id", f.ProvisionID),
					zap.Error(err))
				return err
			}
		}
		return nil
	}
	if err := backoff.Retry(record, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		if ctx.Err() != nil {
			outcome = "cancelled"
		} else {
			outcome = "error"
		}
		return errors.Wrap(err, "recording analysis findings")
	}
	e.log.Info("Completed automated analysis",
		zap.Int64("bill_id", billID), zap.Int("findings", len(findings)))
	return nil
}

// recordFinding persists one flagged provision and queues it for an expert.
func (e *Engine) recordFinding(ctx context.Context, billID int64, f Finding) error {
	rev := &reviewrepo.Review{
		BillID:       billID,
		ProvisionID:  f.ProvisionID,
		ReviewerKind: reviewrepo.ReviewerAutomated,
		State:        reviewrepo.StateAutomatedFlagged,
		Finding:      reviewrepo.FindingPotentialViolation,
		Confidence:   f.Confidence,
		Rationale:    f.Rationale,
	}
	if err := e.reviews.Create(ctx, rev); err != nil {
		if !errors.Is(err, reviewrepo.ErrDuplicateReview) {
			return errors.Wrap(err, "recording automated finding")
		}
		// An earlier attempt persisted this pair. Resume from wherever that
		// attempt stopped instead of failing the whole job.
		existing, lookupErr := e.reviewForProvision(ctx, billID, f.ProvisionID)
		if lookupErr != nil {
			return lookupErr
		}
		switch {
		case existing == nil:
			return nil
		case existing.State == reviewrepo.StateAutomatedFlagged:
			rev = existing
		case existing.State == reviewrepo.StateExpertQueued:
			// Queued state committed but the queue entry may be missing;
			// Enqueue is a no-op when an open entry already exists.
			_, err := e.reviews.Enqueue(ctx, existing.ID, time.Now().Add(e.deadline))
			return err
		default:
			return nil
		}
	}

	rev.State = reviewrepo.StateExpertQueued
	if err := e.reviews.UpdateState(ctx, rev); err != nil {
		return errors.Wrap(err, "queueing finding for expert")
	}
	if _, err := e.reviews.Enqueue(ctx, rev.ID, time.Now().Add(e.deadline)); err != nil {
		return errors.Wrap(err, "adding expert queue entry")
	}

	events.EmitEventWithLogging(ctx, e.emitter, e.log, "analysis.flagged", billID, map[string]interface{}{
		"review_id":  rev.ID,
		"provision":  f.Numbering,
		"confidence": f.Confidence,
	})
	return nil
}

func (e *Engine) reviewForProvision(ctx context.Context, billID, provisionID int64) (*reviewrepo.Review, error) {
	reviews, err := e.reviews.ListByBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	for _, rev := range reviews {
		if rev.ProvisionID == provisionID {
			return rev, nil
		}
	}
	return nil, nil
}

// TakeForReview assigns the oldest unassigned queue entry to an expert.
func (e *Engine) TakeForReview(ctx context.Context, reviewerID string) (*reviewrepo.QueueEntry, *reviewrepo.Review, error) {
	entry, err := e.reviews.Take(ctx, reviewerID)
	if err != nil {
		return nil, nil, err
	}
	rev, err := e.reviews.GetByID(ctx, entry.ReviewID)
	if err != nil {
		return nil, nil, err
	}
	return entry, rev, nil
}

// RecordExpertDecision applies an expert's verdict to a queued review. The
// automated finding it overrides stays in the history. An inconclusive
// verdict leaves the review re-queueable.
func (e *Engine) RecordExpertDecision(ctx context.Context, reviewerID string, reviewID int64, finding, rationale string) (*reviewrepo.Review, error) {
	rev, err := e.reviews.GetByID(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	var next string
	switch finding {
	case reviewrepo.FindingViolation:
		next = reviewrepo.StateConfirmedViolation
	case reviewrepo.FindingCompliant:
		next = reviewrepo.StateConfirmedCompliant
	case reviewrepo.FindingInconclusive:
		next = reviewrepo.StateInconclusive
	default:
		return nil, errors.Wrap(errors.ErrInvalidInput, "unknown finding "+finding)
	}
	if err := validateTransition(rev.State, next); err != nil {
		return nil, err
	}

	rev.ReviewerKind = reviewrepo.ReviewerHumanExpert
	rev.State = next
	rev.Finding = finding
	rev.Confidence = 1.0
	rev.Rationale = rationale
	if err := e.reviews.UpdateState(ctx, rev); err != nil {
		return nil, err
	}

	e.recordAudit(ctx, reviewerID, "review.decided", reviewID)
	events.EmitEventWithLogging(ctx, e.emitter, e.log, "review.decided", rev.BillID, map[string]interface{}{
		"review_id": reviewID,
		"state":     next,
		"finding":   finding,
	})
	return rev, nil
}

// RequeueInconclusive puts an inconclusive review back in the expert queue
// with a fresh deadline.
func (e *Engine) RequeueInconclusive(ctx context.Context, reviewID int64) error {
	rev, err := e.reviews.GetByID(ctx, reviewID)
	if err != nil {
		return err
	}
	if err := validateTransition(rev.State, reviewrepo.StateExpertQueued); err != nil {
		return err
	}
	rev.State = reviewrepo.StateExpertQueued
	if err := e.reviews.UpdateState(ctx, rev); err != nil {
		return err
	}
	_, err = e.reviews.Enqueue(ctx, reviewID, time.Now().Add(e.deadline))
	return err
}

// EscalateTimedOut re-queues queue entries past their deadline. Run from a
// periodic sweep.
func (e *Engine) EscalateTimedOut(ctx context.Context) error {
	entries, err := e.reviews.ListTimedOut(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.reviews.Escalate(ctx, entry.ID, time.Now().Add(e.deadline)); err != nil {
			e.log.Error("Failed to escalate expert queue entry",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
			continue
		}
		e.log.Warn("Escalated overdue expert review",
			zap.Int64("review_id", entry.ReviewID),
			zap.Time("missed_deadline", entry.Deadline))
	}
	if depth, err := e.reviews.CountQueued(ctx); err == nil {
		metrics.ExpertQueueDepth.Set(float64(depth))
	}
	return nil
}

// SweepUnanalyzed schedules analysis for active bills that have no reviews
// yet, catching bills whose first run failed.
func (e *Engine) SweepUnanalyzed(ctx context.Context, limit int) error {
	billIDs, err := e.reviews.ListBillsNeedingAnalysis(ctx, limit)
	if err != nil {
		return err
	}
	for _, billID := range billIDs {
		if err := e.Enqueue(billID); err != nil {
			return err
		}
	}
	return nil
}

// ReviewsForBill lists a bill's reviews with their history.
func (e *Engine) ReviewsForBill(ctx context.Context, billID int64) ([]*reviewrepo.Review, error) {
	return e.reviews.ListByBill(ctx, billID)
}

// ReviewHistory lists a review's past states, oldest first.
func (e *Engine) ReviewHistory(ctx context.Context, reviewID int64) ([]*reviewrepo.HistoryEntry, error) {
	return e.reviews.History(ctx, reviewID)
}

func (e *Engine) recordAudit(ctx context.Context, actorID, action string, reviewID int64) {
	if e.audit == nil {
		return
	}
	err := e.audit.Append(ctx, &auditrepo.Event{
		ActorID:    actorID,
		Action:     action,
		TargetKind: "review",
		TargetID:   strconv.FormatInt(reviewID, 10),
	})
	if err != nil {
		e.log.Error("Failed to append audit event",
			zap.String("action", action),
			zap.Int64("review_id", reviewID),
			zap.Error(err))
	}
}
