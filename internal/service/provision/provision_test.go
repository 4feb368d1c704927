package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
)

// fakeRepo mimics the store's structural constraints in memory.
type fakeRepo struct {
	nextID     int64
	provisions map[int64]*provisionrepo.Provision
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 1, provisions: make(map[int64]*provisionrepo.Provision)}
}

func (f *fakeRepo) Insert(_ context.Context, p *provisionrepo.Provision) error {
	if p.ParentID != nil {
		if _, ok := f.provisions[*p.ParentID]; !ok {
			return provisionrepo.ErrParentNotFound
		}
		// Mirrors the store's composite unique constraint, which treats
		// NULL parents as distinct: root ordinals are NOT checked here.
		for _, other := range f.provisions {
			if sameParent(other.ParentID, p.ParentID) && other.Ordinal == p.Ordinal {
				return provisionrepo.ErrDuplicateOrdinal
			}
		}
	}
	p.ID = f.nextID
	f.nextID++
	cp := *p
	f.provisions[p.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id int64) (*provisionrepo.Provision, error) {
	p, ok := f.provisions[id]
	if !ok {
		return nil, provisionrepo.ErrProvisionNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) ListAll(_ context.Context) ([]*provisionrepo.Provision, error) {
	out := make([]*provisionrepo.Provision, 0, len(f.provisions))
	for _, p := range f.provisions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) Ancestors(_ context.Context, id int64) ([]*provisionrepo.Provision, error) {
	var chain []*provisionrepo.Provision
	p, ok := f.provisions[id]
	if !ok {
		return nil, provisionrepo.ErrProvisionNotFound
	}
	for p.ParentID != nil {
		p = f.provisions[*p.ParentID]
		cp := *p
		chain = append(chain, &cp)
	}
	return chain, nil
}

func (f *fakeRepo) Descendants(_ context.Context, id int64) ([]*provisionrepo.Provision, error) {
	var out []*provisionrepo.Provision
	var collect func(parentID int64)
	collect = func(parentID int64) {
		for _, p := range f.provisions {
			if p.ParentID != nil && *p.ParentID == parentID {
				cp := *p
				out = append(out, &cp)
				collect(p.ID)
			}
		}
	}
	collect(id)
	return out, nil
}

func (f *fakeRepo) SetParent(_ context.Context, id int64, newParentID *int64, ordinal int) error {
	p, ok := f.provisions[id]
	if !ok {
		return provisionrepo.ErrProvisionNotFound
	}
	if newParentID != nil {
		if *newParentID == id {
			return provisionrepo.ErrCycle
		}
		descendants, _ := f.Descendants(context.Background(), id)
		for _, d := range descendants {
			if d.ID == *newParentID {
				return provisionrepo.ErrCycle
			}
		}
	}
	p.ParentID = newParentID
	p.Ordinal = ordinal
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, id int64) error {
	if _, ok := f.provisions[id]; !ok {
		return provisionrepo.ErrProvisionNotFound
	}
	for _, p := range f.provisions {
		if p.ParentID != nil && *p.ParentID == id {
			return provisionrepo.ErrHasChildren
		}
	}
	delete(f.provisions, id)
	return nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type fakeAuditor struct {
	events []*auditrepo.Event
}

func (f *fakeAuditor) Append(_ context.Context, e *auditrepo.Event) error {
	f.events = append(f.events, e)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeAuditor) {
	t.Helper()
	repo := newFakeRepo()
	auditor := &fakeAuditor{}
	svc := NewService(zaptest.NewLogger(t), repo, auditor, nil)
	require.NoError(t, svc.Reload(context.Background()))
	return svc, repo, auditor
}

func seedChapterArticleClause(t *testing.T, svc *Service) (chapterID, articleID, clauseID int64) {
	t.Helper()
	ctx := context.Background()

	chapter := &provisionrepo.Provision{Kind: provisionrepo.KindChapter, Ordinal: 1, Numbering: "Chapter Four", Body: "The Bill of Rights"}
	require.NoError(t, svc.Ingest(ctx, "registrar", chapter))

	article := &provisionrepo.Provision{Kind: provisionrepo.KindArticle, ParentID: &chapter.ID, Ordinal: 1, Numbering: "Article 24", Body: "Limitation of rights"}
	require.NoError(t, svc.Ingest(ctx, "registrar", article))

	clause := &provisionrepo.Provision{Kind: provisionrepo.KindClause, ParentID: &article.ID, Ordinal: 1, Numbering: "Article 24(1)", Body: "A right shall not be limited except by law"}
	require.NoError(t, svc.Ingest(ctx, "registrar", clause))

	return chapter.ID, article.ID, clause.ID
}

func TestIngestBuildsSnapshot(t *testing.T) {
	svc, _, auditor := newTestService(t)
	_, articleID, clauseID := seedChapterArticleClause(t, svc)

	tree := svc.Snapshot()
	require.NotNil(t, tree)
	assert.Equal(t, 3, tree.Len())

	article, ok := tree.Get(articleID)
	require.True(t, ok)
	require.Len(t, article.Children, 1)
	assert.Equal(t, clauseID, article.Children[0].ID)

	assert.Len(t, auditor.events, 3)
	assert.Equal(t, "provision.ingested", auditor.events[0].Action)
}

func TestIngestRejectsMissingParent(t *testing.T) {
	svc, _, _ := newTestService(t)

	missing := int64(99)
	err := svc.Ingest(context.Background(), "registrar", &provisionrepo.Provision{
		Kind: provisionrepo.KindArticle, ParentID: &missing, Ordinal: 1,
	})
	assert.ErrorIs(t, err, provisionrepo.ErrParentNotFound)
	assert.Equal(t, 0, svc.Snapshot().Len())
}

func TestIngestRejectsDuplicateOrdinal(t *testing.T) {
	svc, _, _ := newTestService(t)
	chapterID, _, _ := seedChapterArticleClause(t, svc)

	err := svc.Ingest(context.Background(), "registrar", &provisionrepo.Provision{
		Kind: provisionrepo.KindArticle, ParentID: &chapterID, Ordinal: 1, Numbering: "Article 25",
	})
	assert.ErrorIs(t, err, provisionrepo.ErrDuplicateOrdinal)
	assert.Equal(t, 3, svc.Snapshot().Len())
}

func TestIngestRejectsDuplicateRootOrdinal(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	first := &provisionrepo.Provision{Kind: provisionrepo.KindChapter, Ordinal: 1, Numbering: "Chapter One", Body: "Sovereignty"}
	require.NoError(t, svc.Ingest(ctx, "registrar", first))

	// A second root chapter with the same ordinal must be rejected before
	// anything reaches the store; a committed duplicate would poison every
	// later snapshot rebuild.
	err := svc.Ingest(ctx, "registrar", &provisionrepo.Provision{
		Kind: provisionrepo.KindChapter, Ordinal: 1, Numbering: "Chapter Two", Body: "The Republic",
	})
	assert.ErrorIs(t, err, provisionrepo.ErrDuplicateOrdinal)
	assert.Len(t, repo.provisions, 1)

	// The tree stays loadable afterwards.
	require.NoError(t, svc.Reload(ctx))
	assert.Equal(t, 1, svc.Snapshot().Len())
}

func TestMoveRejectsDuplicateOrdinal(t *testing.T) {
	svc, _, _ := newTestService(t)
	chapterID, articleID, _ := seedChapterArticleClause(t, svc)
	ctx := context.Background()

	second := &provisionrepo.Provision{Kind: provisionrepo.KindArticle, ParentID: &chapterID, Ordinal: 2, Numbering: "Article 25", Body: "Fundamental rights that may not be limited"}
	require.NoError(t, svc.Ingest(ctx, "registrar", second))

	// Moving Article 25 onto Article 24's ordinal must fail and leave it
	// where it was.
	err := svc.Move(ctx, "registrar", second.ID, &chapterID, 1)
	assert.ErrorIs(t, err, provisionrepo.ErrDuplicateOrdinal)

	moved, ok := svc.Snapshot().Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, 2, moved.Ordinal)

	article, ok := svc.Snapshot().Get(articleID)
	require.True(t, ok)
	assert.Equal(t, 1, article.Ordinal)
}

func TestIngestRejectsKindInversion(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, clauseID := seedChapterArticleClause(t, svc)

	// A chapter cannot hang below a clause.
	err := svc.Ingest(context.Background(), "registrar", &provisionrepo.Provision{
		Kind: provisionrepo.KindChapter, ParentID: &clauseID, Ordinal: 1,
	})
	assert.ErrorIs(t, err, provisionrepo.ErrInvalidKind)
}

func TestRemoveRejectsNodeWithChildren(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, articleID, clauseID := seedChapterArticleClause(t, svc)
	ctx := context.Background()

	// Deleting the article while its clause is attached must fail and leave
	// the tree unchanged.
	err := svc.Remove(ctx, "registrar", articleID)
	assert.ErrorIs(t, err, provisionrepo.ErrHasChildren)
	assert.Equal(t, 3, svc.Snapshot().Len())

	// Removing the clause first, then the article, succeeds.
	require.NoError(t, svc.Remove(ctx, "registrar", clauseID))
	require.NoError(t, svc.Remove(ctx, "registrar", articleID))
	assert.Equal(t, 1, svc.Snapshot().Len())
}

func TestMoveRejectsCycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	chapterID, articleID, clauseID := seedChapterArticleClause(t, svc)

	err := svc.Move(context.Background(), "registrar", articleID, &clauseID, 1)
	assert.ErrorIs(t, err, provisionrepo.ErrCycle)

	// Tree unchanged: article still under the chapter.
	article, ok := svc.Snapshot().Get(articleID)
	require.True(t, ok)
	require.NotNil(t, article.ParentID)
	assert.Equal(t, chapterID, *article.ParentID)
}

func TestGetFromSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, articleID, _ := seedChapterArticleClause(t, svc)

	got, err := svc.Get(context.Background(), articleID)
	require.NoError(t, err)
	assert.Equal(t, "Article 24", got.Numbering)

	_, err = svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, provisionrepo.ErrProvisionNotFound)
}
