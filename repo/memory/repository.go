// Package memory is an in-process flatblocks.Repository. It backs tests and
// DATABASE_URL=memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/unkn0wn-root/flatblocks"
)

// Repository implements flatblocks.Repository using maps guarded by one RWMutex.
type Repository struct {
	mu sync.RWMutex

	blocks map[int64]*flatblocks.FlatBlock
	sets   map[int64]*flatblocks.BlockSet
	items  map[int64]*flatblocks.BlockSetItem

	blockBySlug map[string]int64
	setBySlug   map[string]int64

	lastBlock, lastSet, lastItem int64
}

var _ flatblocks.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		blocks:      make(map[int64]*flatblocks.FlatBlock),
		sets:        make(map[int64]*flatblocks.BlockSet),
		items:       make(map[int64]*flatblocks.BlockSetItem),
		blockBySlug: make(map[string]int64),
		setBySlug:   make(map[string]int64),
	}
}

func (r *Repository) Close() error { return nil }

// Flat blocks

func (r *Repository) CreateFlatBlock(_ context.Context, f *flatblocks.FlatBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.blockBySlug[f.Slug]; taken {
		return flatblocks.Duplicate(flatblocks.KindFlatBlock, f.Slug)
	}
	r.lastBlock++
	f.ID = r.lastBlock
	cp := *f
	r.blocks[cp.ID] = &cp
	r.blockBySlug[cp.Slug] = cp.ID
	return nil
}

func (r *Repository) UpdateFlatBlock(_ context.Context, f *flatblocks.FlatBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.blocks[f.ID]
	if !ok {
		return flatblocks.NotFoundID(flatblocks.KindFlatBlock, f.ID)
	}
	if id, taken := r.blockBySlug[f.Slug]; taken && id != f.ID {
		return flatblocks.Duplicate(flatblocks.KindFlatBlock, f.Slug)
	}
	delete(r.blockBySlug, cur.Slug)
	cp := *f
	r.blocks[cp.ID] = &cp
	r.blockBySlug[cp.Slug] = cp.ID
	return nil
}

func (r *Repository) GetFlatBlock(_ context.Context, slug string) (*flatblocks.FlatBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.blockBySlug[slug]
	if !ok {
		return nil, flatblocks.NotFound(flatblocks.KindFlatBlock, slug)
	}
	cp := *r.blocks[id]
	return &cp, nil
}

func (r *Repository) GetFlatBlockByID(_ context.Context, id int64) (*flatblocks.FlatBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.blocks[id]
	if !ok {
		return nil, flatblocks.NotFoundID(flatblocks.KindFlatBlock, id)
	}
	cp := *f
	return &cp, nil
}

func (r *Repository) GetFlatBlocks(_ context.Context, slugs []string) ([]flatblocks.FlatBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]struct{}, len(slugs))
	out := make([]flatblocks.FlatBlock, 0, len(slugs))
	for _, s := range slugs {
		id, ok := r.blockBySlug[s]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, *r.blocks[id])
	}
	return out, nil
}

func (r *Repository) DeleteFlatBlock(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.blockBySlug[slug]
	if !ok {
		return flatblocks.NotFound(flatblocks.KindFlatBlock, slug)
	}
	delete(r.blocks, id)
	delete(r.blockBySlug, slug)
	for iid, it := range r.items {
		if it.FlatBlockID == id {
			delete(r.items, iid)
		}
	}
	return nil
}

func (r *Repository) ListFlatBlocks(_ context.Context, query string) ([]flatblocks.FlatBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(query)
	out := make([]flatblocks.FlatBlock, 0, len(r.blocks))
	for _, f := range r.blocks {
		if q != "" &&
			!strings.Contains(strings.ToLower(f.Slug), q) &&
			!strings.Contains(strings.ToLower(f.Header), q) &&
			!strings.Contains(strings.ToLower(f.Content), q) {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Block sets

func (r *Repository) CreateBlockSet(_ context.Context, s *flatblocks.BlockSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.setBySlug[s.Slug]; taken {
		return flatblocks.Duplicate(flatblocks.KindBlockSet, s.Slug)
	}
	r.lastSet++
	s.ID = r.lastSet
	cp := *s
	r.sets[cp.ID] = &cp
	r.setBySlug[cp.Slug] = cp.ID
	return nil
}

func (r *Repository) UpdateBlockSet(_ context.Context, s *flatblocks.BlockSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sets[s.ID]
	if !ok {
		return flatblocks.NotFoundID(flatblocks.KindBlockSet, s.ID)
	}
	if id, taken := r.setBySlug[s.Slug]; taken && id != s.ID {
		return flatblocks.Duplicate(flatblocks.KindBlockSet, s.Slug)
	}
	delete(r.setBySlug, cur.Slug)
	cp := *s
	r.sets[cp.ID] = &cp
	r.setBySlug[cp.Slug] = cp.ID
	return nil
}

func (r *Repository) GetBlockSet(_ context.Context, slug string) (*flatblocks.BlockSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.setBySlug[slug]
	if !ok {
		return nil, flatblocks.NotFound(flatblocks.KindBlockSet, slug)
	}
	cp := *r.sets[id]
	return &cp, nil
}

func (r *Repository) GetBlockSetByID(_ context.Context, id int64) (*flatblocks.BlockSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sets[id]
	if !ok {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSet, id)
	}
	cp := *s
	return &cp, nil
}

func (r *Repository) DeleteBlockSet(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.setBySlug[slug]
	if !ok {
		return flatblocks.NotFound(flatblocks.KindBlockSet, slug)
	}
	delete(r.sets, id)
	delete(r.setBySlug, slug)
	for iid, it := range r.items {
		if it.BlockSetID == id {
			delete(r.items, iid)
		}
	}
	return nil
}

func (r *Repository) ListBlockSets(_ context.Context) ([]flatblocks.BlockSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]flatblocks.BlockSet, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *Repository) BlockSetsContaining(_ context.Context, flatBlockID int64) ([]flatblocks.BlockSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]struct{})
	var out []flatblocks.BlockSet
	for _, it := range r.items {
		if it.FlatBlockID != flatBlockID {
			continue
		}
		if _, dup := seen[it.BlockSetID]; dup {
			continue
		}
		seen[it.BlockSetID] = struct{}{}
		if s, ok := r.sets[it.BlockSetID]; ok {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Items

func (r *Repository) CreateBlockSetItem(_ context.Context, it *flatblocks.BlockSetItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefs(it); err != nil {
		return err
	}
	r.lastItem++
	it.ID = r.lastItem
	cp := *it
	r.items[cp.ID] = &cp
	return nil
}

func (r *Repository) UpdateBlockSetItem(_ context.Context, it *flatblocks.BlockSetItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[it.ID]; !ok {
		return flatblocks.NotFoundID(flatblocks.KindBlockSetItem, it.ID)
	}
	if err := r.checkRefs(it); err != nil {
		return err
	}
	cp := *it
	r.items[cp.ID] = &cp
	return nil
}

// checkRefs stands in for the foreign keys of the SQL schemas. Caller holds mu.
func (r *Repository) checkRefs(it *flatblocks.BlockSetItem) error {
	if _, ok := r.sets[it.BlockSetID]; !ok {
		return flatblocks.NotFoundID(flatblocks.KindBlockSet, it.BlockSetID)
	}
	if _, ok := r.blocks[it.FlatBlockID]; !ok {
		return flatblocks.NotFoundID(flatblocks.KindFlatBlock, it.FlatBlockID)
	}
	return nil
}

func (r *Repository) GetBlockSetItem(_ context.Context, id int64) (*flatblocks.BlockSetItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[id]
	if !ok {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id)
	}
	cp := *it
	return &cp, nil
}

func (r *Repository) DeleteBlockSetItem(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id)
	}
	delete(r.items, id)
	return nil
}

func (r *Repository) ListBlockSetItems(_ context.Context, blockSetID int64) ([]flatblocks.BlockSetItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedItems(blockSetID), nil
}

func (r *Repository) OrderedFlatBlocks(_ context.Context, blockSetID int64) ([]flatblocks.FlatBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := r.orderedItems(blockSetID)
	out := make([]flatblocks.FlatBlock, 0, len(items))
	for _, it := range items {
		if f, ok := r.blocks[it.FlatBlockID]; ok {
			out = append(out, *f)
		}
	}
	return out, nil
}

// orderedItems sorts by position, then by id. Caller holds mu.
func (r *Repository) orderedItems(blockSetID int64) []flatblocks.BlockSetItem {
	var out []flatblocks.BlockSetItem
	for _, it := range r.items {
		if it.BlockSetID == blockSetID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}
