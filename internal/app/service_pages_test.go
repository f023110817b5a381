package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/api/internal/position"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

func TestCreatePageAppendsToSiblingGroup(t *testing.T) {
	f := newFixture(t)
	a := f.page(t, "A", nil)
	b := f.page(t, "B", nil)
	c := f.page(t, "C", nil)

	assert.Equal(t, []string{"A", "B", "C"}, f.childTitles(t, nil))
	for _, p := range []store.Page{a, b, c} {
		require.NoError(t, position.Validate(p.Position))
	}
	assert.Less(t, a.Position, b.Position)
	assert.Less(t, b.Position, c.Position)
	assert.False(t, a.CreatedAt.IsZero(), "page is re-read after insert")
	assert.NotEmpty(t, a.SlugID)
}

func TestCreatePageChildGroupsAreIndependent(t *testing.T) {
	f := newFixture(t)
	parent := f.page(t, "Parent", nil)
	f.page(t, "One", &parent)
	f.page(t, "Two", &parent)
	f.page(t, "Sibling", nil)

	assert.Equal(t, []string{"Parent", "Sibling"}, f.childTitles(t, nil))
	assert.Equal(t, []string{"One", "Two"}, f.childTitles(t, &parent))
}

func TestCreatePageRejectsBadParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missing := util.NewID()
	_, err := f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: f.space.ID, ParentPageID: &missing})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")

	trashed := f.page(t, "Gone", nil)
	_, err = f.svc.DeletePage(ctx, f.admin, trashed.ID)
	require.NoError(t, err)
	_, err = f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: f.space.ID, ParentPageID: &trashed.ID})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")

	other, err := f.svc.CreateSpace(ctx, f.admin, SpaceInput{Name: "Other"})
	require.NoError(t, err)
	foreign, err := f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: other.ID, Title: "Elsewhere"})
	require.NoError(t, err)
	_, err = f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: f.space.ID, ParentPageID: &foreign.ID})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")

	_, err = f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: util.NewID()})
	requireDomainCode(t, err, http.StatusNotFound, "SPACE_NOT_FOUND")
}

func TestCreatePageRejectsMalformedContent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePage(context.Background(), f.admin, CreatePageInput{
		SpaceID: f.space.ID,
		Content: []byte(`"not a doc"`),
	})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_CONTENT")
}

func TestGetPageBySlug(t *testing.T) {
	f := newFixture(t)
	page := f.page(t, "Runbook", nil)

	got, err := f.svc.GetPage(context.Background(), page.SlugID)
	require.NoError(t, err)
	assert.Equal(t, page.ID, got.ID)

	_, err = f.svc.GetPage(context.Background(), "no-such-slug")
	requireDomainCode(t, err, http.StatusNotFound, "PAGE_NOT_FOUND")
}

func TestUpdatePageKeepsUnsetFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page, err := f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: f.space.ID, Title: "Draft", Icon: "📄", Content: doc("first")})
	require.NoError(t, err)

	title := "Final"
	updated, err := f.svc.UpdatePage(ctx, f.admin, page.ID, UpdatePageInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Title)
	assert.Equal(t, "📄", updated.Icon)
	assert.Equal(t, "first", updated.TextContent)
	assert.Equal(t, page.Position, updated.Position)

	updated, err = f.svc.UpdatePage(ctx, f.admin, page.ID, UpdatePageInput{Content: doc("second")})
	require.NoError(t, err)
	assert.Equal(t, "second", updated.TextContent)
}

func TestMovePageBetweenNeighbours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.page(t, "A", nil)
	b := f.page(t, "B", nil)
	c := f.page(t, "C", nil)

	moved, err := f.svc.MovePage(ctx, f.admin, c.ID, MovePageInput{AfterPageID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, f.childTitles(t, nil))
	assert.Greater(t, moved.Position, a.Position)
	assert.Less(t, moved.Position, b.Position)

	_, err = f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{AfterPageID: c.ID, BeforePageID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, f.childTitles(t, nil))

	_, err = f.svc.MovePage(ctx, f.admin, b.ID, MovePageInput{BeforePageID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, f.childTitles(t, nil))
}

func TestMovePageWithoutNeighboursAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.page(t, "A", nil)
	f.page(t, "B", nil)
	c := f.page(t, "C", nil)

	_, err := f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, f.childTitles(t, nil))

	last, err := f.svc.GetPage(ctx, a.ID)
	require.NoError(t, err)
	again, err := f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{})
	require.NoError(t, err)
	assert.Equal(t, last.Position, again.Position, "the last page keeps its key")
	assert.NotEqual(t, c.Position, again.Position)
}

func TestMovePageExplicitPosition(t *testing.T) {
	f := newFixture(t)
	f.page(t, "A", nil)
	b := f.page(t, "B", nil)

	moved, err := f.svc.MovePage(context.Background(), f.admin, b.ID, MovePageInput{Position: "Zz"})
	require.NoError(t, err)
	assert.Equal(t, "Zz", moved.Position)
	assert.Equal(t, []string{"B", "A"}, f.childTitles(t, nil))
}

func TestMovePageReparentCarriesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.page(t, "Parent", nil)
	child := f.page(t, "Child", &parent)
	grandchild := f.page(t, "Grandchild", &child)
	target := f.page(t, "Target", nil)
	f.page(t, "Existing", &target)

	moved, err := f.svc.MovePage(ctx, f.admin, parent.ID, MovePageInput{ParentPageID: &target.ID})
	require.NoError(t, err)
	require.NotNil(t, moved.ParentPageID)
	assert.Equal(t, target.ID, *moved.ParentPageID)
	assert.Equal(t, []string{"Existing", "Parent"}, f.childTitles(t, &target))
	assert.Equal(t, []string{"Target"}, f.childTitles(t, nil))

	crumbs, err := f.svc.Breadcrumbs(ctx, grandchild.ID)
	require.NoError(t, err)
	titles := make([]string, 0, len(crumbs))
	for _, c := range crumbs {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{"Target", "Parent", "Child", "Grandchild"}, titles)

	back, err := f.svc.MovePage(ctx, f.admin, parent.ID, MovePageInput{ParentPageID: nil})
	require.NoError(t, err)
	assert.Nil(t, back.ParentPageID)
	assert.Equal(t, []string{"Target", "Parent"}, f.childTitles(t, nil))
}

func TestMovePageRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.page(t, "Parent", nil)
	child := f.page(t, "Child", &parent)
	grandchild := f.page(t, "Grandchild", &child)

	_, err := f.svc.MovePage(ctx, f.admin, parent.ID, MovePageInput{ParentPageID: &parent.ID})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_MOVE")

	_, err = f.svc.MovePage(ctx, f.admin, parent.ID, MovePageInput{ParentPageID: &grandchild.ID})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_MOVE")

	unchanged, err := f.svc.GetPage(ctx, parent.ID)
	require.NoError(t, err)
	assert.Nil(t, unchanged.ParentPageID)
	assert.Equal(t, parent.Position, unchanged.Position)
}

func TestMovePageRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.page(t, "A", nil)
	parent := f.page(t, "Parent", nil)
	nested := f.page(t, "Nested", &parent)

	_, err := f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{Position: "a0!"})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_POSITION")

	missing := util.NewID()
	_, err = f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{ParentPageID: &missing})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")

	_, err = f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{AfterPageID: nested.ID})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_NEIGHBOR")

	_, err = f.svc.MovePage(ctx, f.admin, a.ID, MovePageInput{AfterPageID: a.ID})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_NEIGHBOR")

	_, err = f.svc.MovePage(ctx, f.admin, util.NewID(), MovePageInput{})
	requireDomainCode(t, err, http.StatusNotFound, "PAGE_NOT_FOUND")

	got, err := f.svc.GetPage(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Position, got.Position)
}

func TestMovePageBetweenDuplicateKeysLandsOutside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.page(t, "A", nil)
	b := f.page(t, "B", nil)
	f.page(t, "C", nil)
	f.page(t, "D", nil)
	e := f.page(t, "E", nil)

	// Force A and B onto one key.
	_, err := f.svc.MovePage(ctx, f.admin, b.ID, MovePageInput{Position: a.Position})
	require.NoError(t, err)

	moved, err := f.svc.MovePage(ctx, f.admin, e.ID, MovePageInput{AfterPageID: a.ID})
	require.NoError(t, err)
	assert.Greater(t, moved.Position, a.Position)
	assert.Equal(t, []string{"A", "B", "E", "C", "D"}, f.childTitles(t, nil))

	dupes, err := f.svc.CheckPositions(ctx, f.space.ID)
	require.NoError(t, err)
	require.Len(t, dupes, 1)
	assert.Equal(t, a.Position, dupes[0].Position)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, dupes[0].PageIDs)
}

func TestMovePageBesideTiedRunIgnoresJitter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page(t, "A", nil)
	b := f.page(t, "B", nil)
	c := f.page(t, "C", nil)
	f.page(t, "D", nil)
	e := f.page(t, "E", nil)

	_, err := f.svc.MovePage(ctx, f.admin, c.ID, MovePageInput{Position: b.Position})
	require.NoError(t, err)

	// Repeat with fresh jitter; the page must never slip past the tied run.
	for i := 0; i < 10; i++ {
		_, err = f.svc.MovePage(ctx, f.admin, e.ID, MovePageInput{AfterPageID: b.ID})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B", "C", "E", "D"}, f.childTitles(t, nil))

		_, err = f.svc.MovePage(ctx, f.admin, e.ID, MovePageInput{BeforePageID: c.ID})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "E", "B", "C", "D"}, f.childTitles(t, nil))
	}
}

func TestSidebarPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"One", "Two", "Three", "Four", "Five"} {
		f.page(t, title, nil)
	}

	first, err := f.svc.ListSidebarPages(ctx, f.space.ID, nil, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	var titles []string
	cursor := ""
	for {
		page, err := f.svc.ListSidebarPages(ctx, f.space.ID, nil, cursor, 2)
		require.NoError(t, err)
		for _, item := range page.Items {
			titles = append(titles, item.Title)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"One", "Two", "Three", "Four", "Five"}, titles)

	_, err = f.svc.ListSidebarPages(ctx, f.space.ID, nil, "%%%", 2)
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_CURSOR")
}

func TestCursorRoundTrip(t *testing.T) {
	c := store.PageCursor{Position: "a0V", ID: "page-1"}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	empty, err := decodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, store.PageCursor{}, empty)
}

func TestBuildTreeOrdersSiblingsAndKeepsOrphans(t *testing.T) {
	root := "root"
	gone := "gone"
	nodes := []store.PageNode{
		{ID: "c2", Position: "a1", ParentPageID: &root},
		{ID: "c1", Position: "a0", ParentPageID: &root},
		{ID: "root", Position: "a0"},
		{ID: "orphan", Position: "a2", ParentPageID: &gone},
		{ID: "tie-b", Position: "a5"},
		{ID: "tie-a", Position: "a5"},
	}
	tree := buildTree(nodes)

	ids := make([]string, 0, len(tree))
	for _, n := range tree {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"root", "orphan", "tie-a", "tie-b"}, ids)
	require.Len(t, tree[0].Children, 2)
	assert.Equal(t, "c1", tree[0].Children[0].ID)
	assert.Equal(t, "c2", tree[0].Children[1].ID)
}

func TestDeleteAndRestoreKeepsPlace(t *testing.T) {
	idx := newRecordingIndex()
	f := newFixture(t, func(d *Deps) { d.Search = idx })
	ctx := context.Background()
	f.page(t, "A", nil)
	b := f.page(t, "B", nil)
	child := f.page(t, "Child", &b)
	f.page(t, "C", nil)
	comment, err := f.svc.CreateComment(ctx, f.admin, child.ID, CreateCommentInput{Content: doc("note")})
	require.NoError(t, err)
	require.True(t, idx.hasComment(comment.ID))

	deleted, err := f.svc.DeletePage(ctx, f.admin, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, child.ID}, deleted.PageIDs)
	assert.Equal(t, []string{"A", "C"}, f.childTitles(t, nil))
	assert.False(t, idx.hasPage(child.ID))
	assert.False(t, idx.hasComment(comment.ID))

	_, err = f.svc.GetPage(ctx, child.ID)
	requireDomainCode(t, err, http.StatusNotFound, "PAGE_NOT_FOUND")

	trash, err := f.svc.ListTrash(ctx, f.space.ID)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, b.ID, trash[0].ID)

	restored, err := f.svc.RestorePage(ctx, f.admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Position, restored.Page.Position)
	assert.ElementsMatch(t, []string{b.ID, child.ID}, restored.PageIDs)
	assert.Equal(t, []string{"A", "B", "C"}, f.childTitles(t, nil))
	assert.Equal(t, []string{"Child"}, f.childTitles(t, &b))
	assert.True(t, idx.hasPage(child.ID))
	assert.True(t, idx.hasComment(comment.ID))

	_, err = f.svc.RestorePage(ctx, f.admin, b.ID)
	requireDomainCode(t, err, http.StatusConflict, "PAGE_NOT_IN_TRASH")
}

func TestRestoreUnderTrashedParentGoesToRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.page(t, "Parent", nil)
	child := f.page(t, "Child", &parent)
	f.page(t, "Other", nil)

	_, err := f.svc.DeletePage(ctx, f.admin, child.ID)
	require.NoError(t, err)
	_, err = f.svc.DeletePage(ctx, f.admin, parent.ID)
	require.NoError(t, err)

	restored, err := f.svc.RestorePage(ctx, f.admin, child.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.Page.ParentPageID)
	assert.Equal(t, []string{child.ID}, restored.PageIDs)
	assert.Equal(t, []string{"Other", "Child"}, f.childTitles(t, nil))
}

func TestRestoreAppendsWhenKeyWasTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.page(t, "A", nil)
	b := f.page(t, "B", nil)

	_, err := f.svc.DeletePage(ctx, f.admin, a.ID)
	require.NoError(t, err)
	_, err = f.svc.MovePage(ctx, f.admin, b.ID, MovePageInput{Position: a.Position})
	require.NoError(t, err)

	restored, err := f.svc.RestorePage(ctx, f.admin, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.Position, restored.Page.Position)
	assert.Equal(t, []string{"B", "A"}, f.childTitles(t, nil))

	dupes, err := f.svc.CheckPositions(ctx, f.space.ID)
	require.NoError(t, err)
	assert.Empty(t, dupes)
}

func TestPurgeRequiresTrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page := f.page(t, "Doomed", nil)
	child := f.page(t, "Child", &page)

	_, err := f.svc.PurgePage(ctx, f.admin, page.ID)
	requireDomainCode(t, err, http.StatusConflict, "PAGE_NOT_IN_TRASH")

	_, err = f.svc.DeletePage(ctx, f.admin, page.ID)
	require.NoError(t, err)
	result, err := f.svc.PurgePage(ctx, f.admin, page.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{page.ID, child.ID}, result.PageIDs)

	_, err = f.store.GetPage(ctx, child.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPageHistoryUnavailableWithoutRepos(t *testing.T) {
	f := newFixture(t)
	page := f.page(t, "Untracked", nil)

	_, err := f.svc.PageHistory(context.Background(), page.ID, 0)
	requireDomainCode(t, err, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE")
}

func TestExportMarkdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page, err := f.svc.CreatePage(ctx, f.admin, CreatePageInput{SpaceID: f.space.ID, Title: "Guide", Content: doc("hello world")})
	require.NoError(t, err)

	result, err := f.svc.ExportPage(ctx, page.ID, "markdown", "", false)
	require.NoError(t, err)
	assert.Contains(t, string(result.Data), "hello world")

	_, err = f.svc.ExportPage(ctx, page.ID, "odt", "", false)
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT")
}

func TestDeleteSpaceRequiresEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page := f.page(t, "Lonely", nil)

	err := f.svc.DeleteSpace(ctx, f.space.ID)
	requireDomainCode(t, err, http.StatusConflict, "SPACE_NOT_EMPTY")

	_, err = f.svc.DeletePage(ctx, f.admin, page.ID)
	require.NoError(t, err)
	_, err = f.svc.PurgePage(ctx, f.admin, page.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSpace(ctx, f.space.ID))
}

func TestCreateSpaceSlugConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSpace(context.Background(), f.admin, SpaceInput{Name: "engineering!"})
	requireDomainCode(t, err, http.StatusConflict, "SPACE_SLUG_TAKEN")
	assert.Equal(t, "engineering", slugify("  Engineering!  "))
	assert.Equal(t, "space", slugify("???"))
}
