package bill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/events"
)

type fakeRepo struct {
	nextID int64
	bills  map[int64]*billrepo.Bill
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 1, bills: make(map[int64]*billrepo.Bill)}
}

func (f *fakeRepo) Create(_ context.Context, b *billrepo.Bill) error {
	b.ID = f.nextID
	f.nextID++
	cp := *b
	f.bills[b.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id int64) (*billrepo.Bill, error) {
	b, ok := f.bills[id]
	if !ok {
		return nil, billrepo.ErrBillNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) List(_ context.Context, _, _ int) ([]*billrepo.Bill, error) {
	var out []*billrepo.Bill
	for _, b := range f.bills {
		if !b.IsDeleted {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id int64, status string) error {
	b, ok := f.bills[id]
	if !ok {
		return billrepo.ErrBillNotFound
	}
	b.Status = status
	return nil
}

func (f *fakeRepo) SoftDelete(_ context.Context, id int64) error {
	b, ok := f.bills[id]
	if !ok {
		return billrepo.ErrBillNotFound
	}
	b.IsDeleted = true
	return nil
}

type fakeCascader struct {
	cascaded []int64
}

func (f *fakeCascader) SoftDeleteByBill(_ context.Context, billID int64) error {
	f.cascaded = append(f.cascaded, billID)
	return nil
}

type fakeEmitter struct {
	emitted []*events.Event
}

func (f *fakeEmitter) EmitEvent(_ context.Context, e *events.Event) (string, error) {
	f.emitted = append(f.emitted, e)
	return "evt-1", nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeCascader, *fakeEmitter) {
	t.Helper()
	repo := newFakeRepo()
	cascader := &fakeCascader{}
	emitter := &fakeEmitter{}
	svc := NewService(zaptest.NewLogger(t), repo, cascader, nil, nil, emitter)
	return svc, repo, cascader, emitter
}

func createBill(t *testing.T, svc *Service) *billrepo.Bill {
	t.Helper()
	b := &billrepo.Bill{
		Title:   "Finance Bill, 2026",
		Chamber: billrepo.ChamberNationalAssembly,
		Sponsor: "Majority Leader",
	}
	require.NoError(t, svc.Create(context.Background(), "clerk", b))
	return b
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{billrepo.StatusDraft, billrepo.StatusIntroduced, true},
		{billrepo.StatusIntroduced, billrepo.StatusCommittee, true},
		{billrepo.StatusCommittee, billrepo.StatusPassed, true},
		{billrepo.StatusPassed, billrepo.StatusEnacted, true},
		{billrepo.StatusDraft, billrepo.StatusWithdrawn, true},
		{billrepo.StatusPassed, billrepo.StatusWithdrawn, true},
		{billrepo.StatusDraft, billrepo.StatusCommittee, false},
		{billrepo.StatusDraft, billrepo.StatusEnacted, false},
		{billrepo.StatusEnacted, billrepo.StatusWithdrawn, false},
		{billrepo.StatusWithdrawn, billrepo.StatusDraft, false},
		{billrepo.StatusWithdrawn, billrepo.StatusWithdrawn, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateStartsInDraft(t *testing.T) {
	svc, repo, _, emitter := newTestService(t)
	b := createBill(t, svc)

	stored := repo.bills[b.ID]
	assert.Equal(t, billrepo.StatusDraft, stored.Status)
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, "bill.created", emitter.emitted[0].Type)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.Create(ctx, "clerk", &billrepo.Bill{Chamber: billrepo.ChamberSenate})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	err = svc.Create(ctx, "clerk", &billrepo.Bill{Title: "x", Chamber: "county-assembly"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestTransitionForwardPath(t *testing.T) {
	svc, repo, _, emitter := newTestService(t)
	b := createBill(t, svc)
	ctx := context.Background()

	for _, to := range []string{billrepo.StatusIntroduced, billrepo.StatusCommittee, billrepo.StatusPassed, billrepo.StatusEnacted} {
		require.NoError(t, svc.Transition(ctx, "clerk", b.ID, to))
		assert.Equal(t, to, repo.bills[b.ID].Status)
	}

	// 1 created + 4 status changes.
	assert.Len(t, emitter.emitted, 5)
	last := emitter.emitted[4]
	assert.Equal(t, "bill.status_changed", last.Type)
	assert.Equal(t, billrepo.StatusEnacted, last.Payload["to"])
}

func TestTransitionRejectsSkips(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	b := createBill(t, svc)

	err := svc.Transition(context.Background(), "clerk", b.ID, billrepo.StatusPassed)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, billrepo.StatusDraft, repo.bills[b.ID].Status)
}

func TestWithdrawNotifiesListeners(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	b := createBill(t, svc)

	var cancelled []int64
	svc.OnWithdrawn(func(billID int64) { cancelled = append(cancelled, billID) })

	require.NoError(t, svc.Withdraw(context.Background(), "sponsor", b.ID))
	assert.Equal(t, billrepo.StatusWithdrawn, repo.bills[b.ID].Status)
	assert.Equal(t, []int64{b.ID}, cancelled)

	// Withdrawn is terminal.
	err := svc.Transition(context.Background(), "clerk", b.ID, billrepo.StatusIntroduced)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestDeleteCascadesToEngagements(t *testing.T) {
	svc, repo, cascader, _ := newTestService(t)
	b := createBill(t, svc)

	require.NoError(t, svc.Delete(context.Background(), "moderator", b.ID))
	assert.True(t, repo.bills[b.ID].IsDeleted)
	assert.Equal(t, []int64{b.ID}, cascader.cascaded)

	// Soft-deleted bills drop out of listings but stay readable by id.
	bills, err := svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, bills)
}
