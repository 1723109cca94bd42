// Package repotest holds the behaviour every flatblocks.Repository must share.
// Backends call Run from their own tests with a factory for an empty repository.
package repotest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flatblocks"
)

// Run executes the conformance suite. newRepo must return an empty repository
// and register its own cleanup.
func Run(t *testing.T, newRepo func(t *testing.T) flatblocks.Repository) {
	t.Run("FlatBlockCRUD", func(t *testing.T) { testFlatBlockCRUD(t, newRepo(t)) })
	t.Run("DuplicateSlug", func(t *testing.T) { testDuplicateSlug(t, newRepo(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newRepo(t)) })
	t.Run("EmptyOptionalFields", func(t *testing.T) { testEmptyOptionalFields(t, newRepo(t)) })
	t.Run("ListAndSearch", func(t *testing.T) { testListAndSearch(t, newRepo(t)) })
	t.Run("SearchFoldsNonASCII", func(t *testing.T) { testSearchFoldsNonASCII(t, newRepo(t)) })
	t.Run("GetFlatBlocks", func(t *testing.T) { testGetFlatBlocks(t, newRepo(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newRepo(t)) })
	t.Run("CascadeDeleteBlockSet", func(t *testing.T) { testCascadeDeleteBlockSet(t, newRepo(t)) })
	t.Run("CascadeDeleteFlatBlock", func(t *testing.T) { testCascadeDeleteFlatBlock(t, newRepo(t)) })
	t.Run("BlockSetsContaining", func(t *testing.T) { testBlockSetsContaining(t, newRepo(t)) })
	t.Run("ItemUpdate", func(t *testing.T) { testItemUpdate(t, newRepo(t)) })
}

func mustBlock(t *testing.T, r flatblocks.Repository, slug, header, content string) *flatblocks.FlatBlock {
	t.Helper()
	f := &flatblocks.FlatBlock{Slug: slug, Header: header, Content: content}
	require.NoError(t, r.CreateFlatBlock(context.Background(), f))
	require.NotZero(t, f.ID)
	return f
}

func mustSet(t *testing.T, r flatblocks.Repository, slug string) *flatblocks.BlockSet {
	t.Helper()
	s := &flatblocks.BlockSet{Slug: slug}
	require.NoError(t, r.CreateBlockSet(context.Background(), s))
	require.NotZero(t, s.ID)
	return s
}

func mustItem(t *testing.T, r flatblocks.Repository, set *flatblocks.BlockSet, f *flatblocks.FlatBlock, pos int) *flatblocks.BlockSetItem {
	t.Helper()
	it := &flatblocks.BlockSetItem{BlockSetID: set.ID, FlatBlockID: f.ID, Position: pos}
	require.NoError(t, r.CreateBlockSetItem(context.Background(), it))
	require.NotZero(t, it.ID)
	return it
}

func slugs(blocks []flatblocks.FlatBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Slug
	}
	return out
}

func testFlatBlockCRUD(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	f := mustBlock(t, r, "footer", "Footer", "(c) 2026")

	got, err := r.GetFlatBlock(ctx, "footer")
	require.NoError(t, err)
	assert.Equal(t, *f, *got)

	byID, err := r.GetFlatBlockByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, *f, *byID)

	f.Slug = "site-footer"
	f.Content = "(c) 2027"
	require.NoError(t, r.UpdateFlatBlock(ctx, f))

	_, err = r.GetFlatBlock(ctx, "footer")
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)
	got, err = r.GetFlatBlock(ctx, "site-footer")
	require.NoError(t, err)
	assert.Equal(t, "(c) 2027", got.Content)

	require.NoError(t, r.DeleteFlatBlock(ctx, "site-footer"))
	_, err = r.GetFlatBlockByID(ctx, f.ID)
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)
}

func testDuplicateSlug(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	mustBlock(t, r, "footer", "", "")

	err := r.CreateFlatBlock(ctx, &flatblocks.FlatBlock{Slug: "footer"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flatblocks.ErrDuplicateSlug)

	other := mustBlock(t, r, "header", "", "")
	other.Slug = "footer"
	assert.ErrorIs(t, r.UpdateFlatBlock(ctx, other), flatblocks.ErrDuplicateSlug)

	mustSet(t, r, "sidebar")
	assert.ErrorIs(t, r.CreateBlockSet(ctx, &flatblocks.BlockSet{Slug: "sidebar"}), flatblocks.ErrDuplicateSlug)

	// slugs are unique per kind only
	require.NoError(t, r.CreateBlockSet(ctx, &flatblocks.BlockSet{Slug: "footer"}))
}

func testNotFound(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()

	_, err := r.GetFlatBlock(ctx, "nonexistent-slug")
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)
	var le *flatblocks.LookupError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, flatblocks.KindFlatBlock, le.Kind)
	assert.Equal(t, "nonexistent-slug", le.Slug)

	_, err = r.GetBlockSet(ctx, "nonexistent-slug")
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)
	_, err = r.GetBlockSetItem(ctx, 42)
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)

	assert.ErrorIs(t, r.DeleteFlatBlock(ctx, "nope"), flatblocks.ErrNotFound)
	assert.ErrorIs(t, r.DeleteBlockSet(ctx, "nope"), flatblocks.ErrNotFound)
	assert.ErrorIs(t, r.DeleteBlockSetItem(ctx, 42), flatblocks.ErrNotFound)
	assert.ErrorIs(t, r.UpdateFlatBlock(ctx, &flatblocks.FlatBlock{ID: 42, Slug: "x"}), flatblocks.ErrNotFound)
	assert.ErrorIs(t, r.UpdateBlockSet(ctx, &flatblocks.BlockSet{ID: 42, Slug: "x"}), flatblocks.ErrNotFound)
}

func testEmptyOptionalFields(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	mustBlock(t, r, "bare", "", "")
	got, err := r.GetFlatBlock(ctx, "bare")
	require.NoError(t, err)
	assert.Empty(t, got.Header)
	assert.Empty(t, got.Content)

	mustSet(t, r, "bare-set")
	set, err := r.GetBlockSet(ctx, "bare-set")
	require.NoError(t, err)
	assert.Empty(t, set.Header)
}

func testListAndSearch(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	mustBlock(t, r, "sidebar", "Links", "see also")
	mustBlock(t, r, "about", "About us", "We make Widgets")
	mustBlock(t, r, "footer", "", "contact: widgets@example.com")

	all, err := r.ListFlatBlocks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"about", "footer", "sidebar"}, slugs(all))

	hits, err := r.ListFlatBlocks(ctx, "WIDGET")
	require.NoError(t, err)
	assert.Equal(t, []string{"about", "footer"}, slugs(hits))

	hits, err = r.ListFlatBlocks(ctx, "link")
	require.NoError(t, err)
	assert.Equal(t, []string{"sidebar"}, slugs(hits))

	hits, err = r.ListFlatBlocks(ctx, "side")
	require.NoError(t, err)
	assert.Equal(t, []string{"sidebar"}, slugs(hits))

	mustSet(t, r, "b")
	mustSet(t, r, "a")
	sets, err := r.ListBlockSets(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "a", sets[0].Slug)
	assert.Equal(t, "b", sets[1].Slug)
}

func testSearchFoldsNonASCII(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	mustBlock(t, r, "impressum", "Über uns", "")
	mustBlock(t, r, "cafe", "", "ÉQUIPE du café")
	mustBlock(t, r, "plain", "uber", "")

	for _, q := range []string{"über", "ÜBER", "Über"} {
		hits, err := r.ListFlatBlocks(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"impressum"}, slugs(hits), "query %q", q)
	}

	hits, err := r.ListFlatBlocks(ctx, "équipe")
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe"}, slugs(hits))
}

func testGetFlatBlocks(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	mustBlock(t, r, "a", "", "")
	mustBlock(t, r, "b", "", "")

	got, err := r.GetFlatBlocks(ctx, []string{"b", "missing", "a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, slugs(got))

	got, err = r.GetFlatBlocks(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testOrdering(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	a := mustBlock(t, r, "a", "", "")
	b := mustBlock(t, r, "b", "", "")
	c := mustBlock(t, r, "c", "", "")
	set := mustSet(t, r, "sidebar")

	mustItem(t, r, set, a, 3)
	mustItem(t, r, set, b, 1)
	mustItem(t, r, set, c, 2)

	blocks, err := r.OrderedFlatBlocks(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, slugs(blocks))

	// equal positions keep insertion order
	d := mustBlock(t, r, "d", "", "")
	mustItem(t, r, set, d, 1)
	mustItem(t, r, set, a, 1)
	blocks, err = r.OrderedFlatBlocks(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a", "c", "a"}, slugs(blocks))

	items, err := r.ListBlockSetItems(ctx, set.ID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		assert.True(t, prev.Position < cur.Position || (prev.Position == cur.Position && prev.ID < cur.ID),
			"items out of order at %d: %+v then %+v", i, prev, cur)
	}

	empty := mustSet(t, r, "empty")
	blocks, err = r.OrderedFlatBlocks(ctx, empty.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func testCascadeDeleteBlockSet(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	a := mustBlock(t, r, "a", "", "")
	b := mustBlock(t, r, "b", "", "")
	set := mustSet(t, r, "sidebar")
	ia := mustItem(t, r, set, a, 0)
	mustItem(t, r, set, b, 1)

	require.NoError(t, r.DeleteBlockSet(ctx, "sidebar"))

	_, err := r.GetBlockSetItem(ctx, ia.ID)
	assert.ErrorIs(t, err, flatblocks.ErrNotFound)
	items, err := r.ListBlockSetItems(ctx, set.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	for _, slug := range []string{"a", "b"} {
		_, err := r.GetFlatBlock(ctx, slug)
		assert.NoError(t, err, "flat block %q should survive set deletion", slug)
	}
}

func testCascadeDeleteFlatBlock(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	a := mustBlock(t, r, "a", "", "")
	b := mustBlock(t, r, "b", "", "")
	set := mustSet(t, r, "sidebar")
	mustItem(t, r, set, a, 0)
	mustItem(t, r, set, b, 1)

	require.NoError(t, r.DeleteFlatBlock(ctx, "a"))

	blocks, err := r.OrderedFlatBlocks(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, slugs(blocks))
	_, err = r.GetBlockSet(ctx, "sidebar")
	assert.NoError(t, err)
}

func testBlockSetsContaining(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	a := mustBlock(t, r, "a", "", "")
	b := mustBlock(t, r, "b", "", "")
	s1 := mustSet(t, r, "s1")
	s2 := mustSet(t, r, "s2")
	mustSet(t, r, "s3")
	mustItem(t, r, s1, a, 0)
	mustItem(t, r, s1, a, 1)
	mustItem(t, r, s2, a, 0)
	mustItem(t, r, s2, b, 0)

	sets, err := r.BlockSetsContaining(ctx, a.ID)
	require.NoError(t, err)
	got := make([]string, len(sets))
	for i, s := range sets {
		got[i] = s.Slug
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, got)

	none, err := r.BlockSetsContaining(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testItemUpdate(t *testing.T, r flatblocks.Repository) {
	ctx := context.Background()
	a := mustBlock(t, r, "a", "", "")
	b := mustBlock(t, r, "b", "", "")
	set := mustSet(t, r, "sidebar")
	ia := mustItem(t, r, set, a, 0)
	mustItem(t, r, set, b, 1)

	ia.Position = 5
	require.NoError(t, r.UpdateBlockSetItem(ctx, ia))

	got, err := r.GetBlockSetItem(ctx, ia.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Position)

	blocks, err := r.OrderedFlatBlocks(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, slugs(blocks))

	require.NoError(t, r.DeleteBlockSetItem(ctx, ia.ID))
	blocks, err = r.OrderedFlatBlocks(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, slugs(blocks))

	assert.ErrorIs(t, r.UpdateBlockSetItem(ctx, &flatblocks.BlockSetItem{ID: 999, BlockSetID: set.ID, FlatBlockID: a.ID}), flatblocks.ErrNotFound)
}
