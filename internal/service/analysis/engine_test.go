package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	provisionsvc "github.com/katiba-labs/katiba/internal/service/provision"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
)

type fakeReviews struct {
	nextID      int64
	nextEntryID int64
	reviews     map[int64]*reviewrepo.Review
	history     map[int64][]*reviewrepo.HistoryEntry
	queue       map[int64]*reviewrepo.QueueEntry
	createErrs  int
	creates     int
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{
		nextID:      1,
		nextEntryID: 1,
		reviews:     make(map[int64]*reviewrepo.Review),
		history:     make(map[int64][]*reviewrepo.HistoryEntry),
		queue:       make(map[int64]*reviewrepo.QueueEntry),
	}
}

func (f *fakeReviews) Create(_ context.Context, rev *reviewrepo.Review) error {
	f.creates++
	if f.createErrs > 0 {
		f.createErrs--
		return errors.New("connection reset")
	}
	// One review per bill/provision pair, as in the store.
	for _, existing := range f.reviews {
		if existing.BillID == rev.BillID && existing.ProvisionID == rev.ProvisionID {
			return reviewrepo.ErrDuplicateReview
		}
	}
	rev.ID = f.nextID
	f.nextID++
	cp := *rev
	f.reviews[rev.ID] = &cp
	f.appendHistory(rev)
	return nil
}

func (f *fakeReviews) GetByID(_ context.Context, id int64) (*reviewrepo.Review, error) {
	rev, ok := f.reviews[id]
	if !ok {
		return nil, reviewrepo.ErrReviewNotFound
	}
	cp := *rev
	return &cp, nil
}

func (f *fakeReviews) ListByBill(_ context.Context, billID int64) ([]*reviewrepo.Review, error) {
	var out []*reviewrepo.Review
	for _, rev := range f.reviews {
		if rev.BillID == billID {
			cp := *rev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeReviews) UpdateState(_ context.Context, rev *reviewrepo.Review) error {
	stored, ok := f.reviews[rev.ID]
	if !ok {
		return reviewrepo.ErrReviewNotFound
	}
	if stored.State == reviewrepo.StateConfirmedViolation || stored.State == reviewrepo.StateConfirmedCompliant {
		return reviewrepo.ErrTerminalState
	}
	cp := *rev
	f.reviews[rev.ID] = &cp
	f.appendHistory(rev)
	return nil
}

func (f *fakeReviews) History(_ context.Context, reviewID int64) ([]*reviewrepo.HistoryEntry, error) {
	return f.history[reviewID], nil
}

func (f *fakeReviews) Enqueue(_ context.Context, reviewID int64, deadline time.Time) (*reviewrepo.QueueEntry, error) {
	// At most one open entry per review, as in the store.
	for _, existing := range f.queue {
		if existing.ReviewID == reviewID && existing.TakenAt == nil {
			cp := *existing
			return &cp, nil
		}
	}
	entry := &reviewrepo.QueueEntry{ID: f.nextEntryID, ReviewID: reviewID, Deadline: deadline}
	f.nextEntryID++
	f.queue[entry.ID] = entry
	return entry, nil
}

func (f *fakeReviews) Take(_ context.Context, reviewerID string) (*reviewrepo.QueueEntry, error) {
	for _, entry := range f.queue {
		if entry.TakenBy == nil {
			entry.TakenBy = &reviewerID
			now := time.Now()
			entry.TakenAt = &now
			cp := *entry
			return &cp, nil
		}
	}
	return nil, reviewrepo.ErrQueueEntryNotFound
}

func (f *fakeReviews) ListTimedOut(_ context.Context, now time.Time) ([]*reviewrepo.QueueEntry, error) {
	var out []*reviewrepo.QueueEntry
	for _, entry := range f.queue {
		if !entry.Escalated && entry.Deadline.Before(now) {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeReviews) Escalate(_ context.Context, entryID int64, newDeadline time.Time) error {
	entry, ok := f.queue[entryID]
	if !ok || entry.TakenAt != nil {
		return reviewrepo.ErrQueueEntryNotFound
	}
	entry.Escalated = true
	entry.Deadline = newDeadline
	return nil
}

func (f *fakeReviews) CountQueued(_ context.Context) (int, error) {
	n := 0
	for _, entry := range f.queue {
		if entry.TakenBy == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeReviews) ListBillsNeedingAnalysis(_ context.Context, _ int) ([]int64, error) {
	return nil, nil
}

func (f *fakeReviews) appendHistory(rev *reviewrepo.Review) {
	f.history[rev.ID] = append(f.history[rev.ID], &reviewrepo.HistoryEntry{
		ReviewID:     rev.ID,
		State:        rev.State,
		Finding:      rev.Finding,
		ReviewerKind: rev.ReviewerKind,
		Confidence:   rev.Confidence,
		Rationale:    rev.Rationale,
		RecordedAt:   time.Now(),
	})
}

type fakeBills struct {
	bills map[int64]*billrepo.Bill
}

func (f *fakeBills) GetByID(_ context.Context, id int64) (*billrepo.Bill, error) {
	b, ok := f.bills[id]
	if !ok {
		return nil, billrepo.ErrBillNotFound
	}
	cp := *b
	return &cp, nil
}

type fakeSnapshot struct {
	tree *provisionsvc.Tree
}

func (f *fakeSnapshot) Snapshot() *provisionsvc.Tree { return f.tree }

type fakeEmitter struct {
	emitted []*events.Event
}

func (f *fakeEmitter) EmitEvent(_ context.Context, e *events.Event) (string, error) {
	f.emitted = append(f.emitted, e)
	return "evt", nil
}

func newTestEngine(t *testing.T, billText string) (*Engine, *fakeReviews, *fakeEmitter) {
	t.Helper()
	pid := func(id int64) *int64 { return &id }
	tree, err := provisionsvc.BuildTree([]*provisionrepo.Provision{
		{ID: 1, Kind: provisionrepo.KindChapter, Ordinal: 4, Numbering: "Chapter Four", Body: "The Bill of Rights"},
		{ID: 2, Kind: provisionrepo.KindArticle, ParentID: pid(1), Ordinal: 24, Numbering: "Article 24",
			Body: "A right or fundamental freedom shall not be limited except by law"},
	})
	require.NoError(t, err)

	rules, err := NewRuleset(zaptest.NewLogger(t), writeRules(t, testRules))
	require.NoError(t, err)

	reviews := newFakeReviews()
	bills := &fakeBills{bills: map[int64]*billrepo.Bill{
		1: {ID: 1, Title: "Public Order (Amendment) Bill", Body: billText, Status: billrepo.StatusIntroduced},
	}}
	emitter := &fakeEmitter{}
	engine := NewEngine(zaptest.NewLogger(t), reviews, bills, &fakeSnapshot{tree: tree},
		NewMatcher(rules), emitter, nil, 1, 72*time.Hour)
	return engine, reviews, emitter
}

func flagBill(t *testing.T, engine *Engine, reviews *fakeReviews) *reviewrepo.Review {
	t.Helper()
	require.NoError(t, engine.runAnalysis(context.Background(), 1))
	require.Len(t, reviews.reviews, 1)
	for _, rev := range reviews.reviews {
		return rev
	}
	return nil
}

func TestRunAnalysisFlagsAndQueues(t *testing.T) {
	engine, reviews, emitter := newTestEngine(t, "A Bill to limit public assembly rights")
	rev := flagBill(t, engine, reviews)

	assert.Equal(t, int64(2), rev.ProvisionID)
	assert.Equal(t, reviewrepo.StateExpertQueued, rev.State)
	assert.Equal(t, reviewrepo.ReviewerAutomated, rev.ReviewerKind)
	assert.Equal(t, reviewrepo.FindingPotentialViolation, rev.Finding)
	assert.GreaterOrEqual(t, rev.Confidence, 0.9)
	assert.Len(t, reviews.queue, 1)

	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, "analysis.flagged", emitter.emitted[0].Type)
}

func TestRunAnalysisSkipsWithdrawnBill(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	engine.bills.(*fakeBills).bills[1].Status = billrepo.StatusWithdrawn

	require.NoError(t, engine.runAnalysis(context.Background(), 1))
	assert.Empty(t, reviews.reviews)
}

func TestRunAnalysisRetriesFailedRecord(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")

	// The first write fails transiently; the job must retry rather than
	// drop the finding.
	reviews.createErrs = 1
	require.NoError(t, engine.runAnalysis(context.Background(), 1))

	require.Len(t, reviews.reviews, 1)
	assert.Len(t, reviews.queue, 1)
	assert.Equal(t, 2, reviews.creates)
}

func TestRunAnalysisResumesPartialRecord(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	ctx := context.Background()

	// Simulate an earlier run that persisted the review row and then died
	// before queueing it for an expert.
	stranded := &reviewrepo.Review{
		BillID:       1,
		ProvisionID:  2,
		ReviewerKind: reviewrepo.ReviewerAutomated,
		State:        reviewrepo.StateAutomatedFlagged,
		Finding:      reviewrepo.FindingPotentialViolation,
		Confidence:   0.9,
	}
	require.NoError(t, reviews.Create(ctx, stranded))
	require.Empty(t, reviews.queue)

	require.NoError(t, engine.runAnalysis(ctx, 1))

	// No duplicate review row; the stranded one finished its path to the
	// expert queue.
	require.Len(t, reviews.reviews, 1)
	assert.Equal(t, reviewrepo.StateExpertQueued, reviews.reviews[stranded.ID].State)
	require.Len(t, reviews.queue, 1)
	for _, entry := range reviews.queue {
		assert.Equal(t, stranded.ID, entry.ReviewID)
	}

	// Running again is a no-op: still one review, one open entry.
	require.NoError(t, engine.runAnalysis(ctx, 1))
	assert.Len(t, reviews.reviews, 1)
	assert.Len(t, reviews.queue, 1)
}

func TestExpertOverturnsAutomatedFlag(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	rev := flagBill(t, engine, reviews)
	ctx := context.Background()

	entry, taken, err := engine.TakeForReview(ctx, "expert-1")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, entry.ReviewID)
	assert.Equal(t, reviewrepo.StateExpertQueued, taken.State)

	decided, err := engine.RecordExpertDecision(ctx, "expert-1", rev.ID,
		reviewrepo.FindingCompliant, "limitation is within Article 24(1) bounds")
	require.NoError(t, err)
	assert.Equal(t, reviewrepo.StateConfirmedCompliant, decided.State)
	assert.Equal(t, reviewrepo.ReviewerHumanExpert, decided.ReviewerKind)

	// The overturned automated flag stays in the history.
	history, err := engine.ReviewHistory(ctx, rev.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, reviewrepo.StateAutomatedFlagged, history[0].State)
	assert.Equal(t, reviewrepo.ReviewerAutomated, history[0].ReviewerKind)
	assert.Equal(t, reviewrepo.StateConfirmedCompliant, history[2].State)

	// Confirmed states are terminal.
	_, err = engine.RecordExpertDecision(ctx, "expert-2", rev.ID, reviewrepo.FindingViolation, "")
	assert.ErrorIs(t, err, reviewrepo.ErrTerminalState)
}

func TestInconclusiveIsRequeueable(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	rev := flagBill(t, engine, reviews)
	ctx := context.Background()

	_, err := engine.RecordExpertDecision(ctx, "expert-1", rev.ID, reviewrepo.FindingInconclusive, "needs comparative research")
	require.NoError(t, err)

	require.NoError(t, engine.RequeueInconclusive(ctx, rev.ID))
	got, err := engine.reviews.GetByID(ctx, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, reviewrepo.StateExpertQueued, got.State)
	assert.Len(t, reviews.queue, 2)
}

func TestRecordExpertDecisionValidation(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	rev := flagBill(t, engine, reviews)

	_, err := engine.RecordExpertDecision(context.Background(), "expert-1", rev.ID, "maybe", "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = engine.RecordExpertDecision(context.Background(), "expert-1", 99, reviewrepo.FindingViolation, "")
	assert.ErrorIs(t, err, reviewrepo.ErrReviewNotFound)
}

func TestEscalateTimedOut(t *testing.T) {
	engine, reviews, _ := newTestEngine(t, "A Bill to limit public assembly rights")
	rev := flagBill(t, engine, reviews)
	ctx := context.Background()

	// Force the entry past its deadline.
	for _, entry := range reviews.queue {
		entry.Deadline = time.Now().Add(-time.Hour)
	}
	require.NoError(t, engine.EscalateTimedOut(ctx))

	// The entry stays open with a fresh deadline rather than being dropped.
	require.Len(t, reviews.queue, 1)
	for _, entry := range reviews.queue {
		assert.True(t, entry.Escalated)
		assert.Equal(t, rev.ID, entry.ReviewID)
		assert.True(t, entry.Deadline.After(time.Now()))
	}

	// An escalated entry is still claimable.
	entry, err := reviews.Take(ctx, "wanjiku")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, entry.ReviewID)
}
