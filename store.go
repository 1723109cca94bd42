package flatblocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/flatblocks/cache"
	"github.com/unkn0wn-root/flatblocks/codec"
	"github.com/unkn0wn-root/flatblocks/genstore"
	"github.com/unkn0wn-root/flatblocks/provider"
)

// Options configure a Store. Only Repository is required.
//
// The Store owns Provider and GenStore and closes them in Close.
// The Repository belongs to the caller.
type Options struct {
	Repository Repository

	Provider  provider.Provider // nil => caching disabled
	Prefix    string            // CACHE_PREFIX
	Codec     string            // "json" (default), "cbor", "msgpack"
	MaxDecode int               // 0 => unlimited
	TTL       time.Duration     // 0 => cache default
	// DisableBulk turns off set-shaped entries for GetFlatBlocks.
	DisableBulk bool
	GenStore    genstore.GenStore // nil => genstore.Local shared by both namespaces

	Logger Logger      // nil => NopLogger
	Hooks  cache.Hooks // nil => NopHooks
	Bus    *Bus        // nil => private bus
}

// fillTimeout bounds a coalesced storage read once no caller is tied to it.
const fillTimeout = 30 * time.Second

// Store is the content block store: persistence plus cache-consistent lookups.
type Store struct {
	repo   Repository
	blocks cache.CAS[FlatBlock]
	sets   cache.CAS[BlockSetView]
	bus    *Bus
	log    Logger
	ttl    time.Duration

	provider provider.Provider
	gen      genstore.GenStore

	group     singleflight.Group
	unsub     func()
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Store, error) {
	if opts.Repository == nil {
		return nil, errors.New("flatblocks: repository is required")
	}
	log := opts.Logger
	if log == nil {
		log = cache.NopLogger{}
	}

	disabled := false
	prov := opts.Provider
	if prov == nil {
		prov = provider.Nop{}
		disabled = true
	}
	gen := opts.GenStore
	if gen == nil {
		gen = genstore.NewLocal(genstore.DefaultCleanupInterval, genstore.DefaultRetention)
	}

	blockCodec, err := codec.ByName[FlatBlock](opts.Codec, opts.MaxDecode)
	if err != nil {
		return nil, err
	}
	setCodec, err := codec.ByName[BlockSetView](opts.Codec, opts.MaxDecode)
	if err != nil {
		return nil, err
	}

	blocks, err := cache.New[FlatBlock](cache.Options[FlatBlock]{
		Prefix:      opts.Prefix,
		Namespace:   string(KindFlatBlock),
		Provider:    prov,
		Codec:       blockCodec,
		Logger:      log,
		Hooks:       opts.Hooks,
		DefaultTTL:  opts.TTL,
		BulkTTL:     opts.TTL,
		Disabled:    disabled,
		GenStore:    gen,
		DisableBulk: opts.DisableBulk,
	})
	if err != nil {
		return nil, fmt.Errorf("flatblocks: flatblock cache: %w", err)
	}
	sets, err := cache.New[BlockSetView](cache.Options[BlockSetView]{
		Prefix:      opts.Prefix,
		Namespace:   string(KindBlockSet),
		Provider:    prov,
		Codec:       setCodec,
		Logger:      log,
		Hooks:       opts.Hooks,
		DefaultTTL:  opts.TTL,
		Disabled:    disabled,
		GenStore:    gen,
		DisableBulk: true,
	})
	if err != nil {
		return nil, fmt.Errorf("flatblocks: blockset cache: %w", err)
	}

	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	s := &Store{
		repo:     opts.Repository,
		blocks:   blocks,
		sets:     sets,
		bus:      bus,
		log:      log,
		ttl:      opts.TTL,
		provider: prov,
		gen:      gen,
	}
	unsubInvalidator := bus.Subscribe(NewInvalidator(blocks, sets, log))
	unsubFlights := bus.Subscribe(SubscriberFunc(s.forgetFlight))
	s.unsub = func() {
		unsubFlights()
		unsubInvalidator()
	}
	return s, nil
}

// Bus returns the bus the store publishes slug-changed events on.
func (s *Store) Bus() *Bus { return s.bus }

// Close detaches the invalidator and releases the cache backends.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.unsub()
		s.closeErr = errors.Join(
			s.blocks.Close(ctx),
			s.sets.Close(ctx),
			s.gen.Close(ctx),
			s.provider.Close(ctx),
		)
	})
	return s.closeErr
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// GetFlatBlock returns the block for slug, from cache when possible.
func (s *Store) GetFlatBlock(ctx context.Context, slug string) (*FlatBlock, error) {
	if v, ok, err := s.blocks.Get(ctx, slug); ok {
		return &v, nil
	} else if err != nil {
		s.log.Warn("cache read failed", Fields{"kind": string(KindFlatBlock), "slug": slug, "err": err})
	}

	v, err := s.coalesce(ctx, KindFlatBlock, slug, func(ctx context.Context) (any, error) {
		obs := s.blocks.SnapshotGen(ctx, slug)
		fb, err := s.repo.GetFlatBlock(ctx, slug)
		if err != nil {
			return nil, err
		}
		if err := s.blocks.SetWithGen(ctx, slug, *fb, obs, s.ttl); err != nil {
			s.log.Warn("cache fill failed", Fields{"kind": string(KindFlatBlock), "slug": slug, "err": err})
		}
		return *fb, nil
	})
	if err != nil {
		return nil, err
	}
	fb := v.(FlatBlock)
	return &fb, nil
}

// GetFlatBlocks looks up several blocks at once. missing lists the requested
// slugs, sorted and deduplicated, that have no block.
func (s *Store) GetFlatBlocks(ctx context.Context, slugs []string) (found map[string]FlatBlock, missing []string, err error) {
	found, cacheMissing, err := s.blocks.GetBulk(ctx, slugs)
	if err != nil {
		s.log.Warn("cache bulk read failed", Fields{"count": len(slugs), "err": err})
	}
	if err == nil && len(cacheMissing) == 0 {
		return found, nil, nil
	}

	// Reload the whole set so the bulk entry covers every present slug.
	uniq := make([]string, 0, len(slugs))
	seen := make(map[string]struct{}, len(slugs))
	for _, sl := range slugs {
		if _, dup := seen[sl]; !dup {
			seen[sl] = struct{}{}
			uniq = append(uniq, sl)
		}
	}
	sort.Strings(uniq)

	obs := s.blocks.SnapshotGens(ctx, uniq)
	rows, err := s.repo.GetFlatBlocks(ctx, uniq)
	if err != nil {
		return nil, nil, err
	}
	found = make(map[string]FlatBlock, len(rows))
	for _, fb := range rows {
		found[fb.Slug] = fb
	}
	for _, sl := range uniq {
		if _, ok := found[sl]; !ok {
			missing = append(missing, sl)
		}
	}
	if err := s.blocks.SetBulkWithGens(ctx, found, obs, s.ttl); err != nil {
		s.log.Warn("cache bulk fill failed", Fields{"count": len(found), "err": err})
	}
	return found, missing, nil
}

// GetBlockSet returns the set for slug with its blocks in display order.
func (s *Store) GetBlockSet(ctx context.Context, slug string) (*BlockSetView, error) {
	if v, ok, err := s.sets.Get(ctx, slug); ok {
		return &v, nil
	} else if err != nil {
		s.log.Warn("cache read failed", Fields{"kind": string(KindBlockSet), "slug": slug, "err": err})
	}

	v, err := s.coalesce(ctx, KindBlockSet, slug, func(ctx context.Context) (any, error) {
		obs := s.sets.SnapshotGen(ctx, slug)
		set, err := s.repo.GetBlockSet(ctx, slug)
		if err != nil {
			return nil, err
		}
		blocks, err := s.repo.OrderedFlatBlocks(ctx, set.ID)
		if err != nil {
			return nil, err
		}
		view := BlockSetView{Set: *set, Blocks: blocks}
		if err := s.sets.SetWithGen(ctx, slug, view, obs, s.ttl); err != nil {
			s.log.Warn("cache fill failed", Fields{"kind": string(KindBlockSet), "slug": slug, "err": err})
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	view := v.(BlockSetView)
	view.Blocks = append([]FlatBlock(nil), view.Blocks...)
	return &view, nil
}

// OrderedItems returns the blocks of the set named slug, ordered by item
// position and then by insertion order.
func (s *Store) OrderedItems(ctx context.Context, slug string) ([]FlatBlock, error) {
	view, err := s.GetBlockSet(ctx, slug)
	if err != nil {
		return nil, err
	}
	return view.Blocks, nil
}

// ListFlatBlocks is the admin listing: ordered by slug, optionally filtered.
// It always reads storage.
func (s *Store) ListFlatBlocks(ctx context.Context, query string) ([]FlatBlock, error) {
	return s.repo.ListFlatBlocks(ctx, query)
}

func (s *Store) ListBlockSets(ctx context.Context) ([]BlockSet, error) {
	return s.repo.ListBlockSets(ctx)
}

// BlockSetItems returns the raw membership rows of a set in display order.
func (s *Store) BlockSetItems(ctx context.Context, slug string) ([]BlockSetItem, error) {
	set, err := s.repo.GetBlockSet(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.repo.ListBlockSetItems(ctx, set.ID)
}

// coalesce runs fill once for concurrent misses on kind/slug. The fill is
// detached from the caller that started it, so one caller giving up does not
// fail the others; each caller still returns when its own ctx is done.
func (s *Store) coalesce(ctx context.Context, kind Kind, slug string, fill func(context.Context) (any, error)) (any, error) {
	ch := s.group.DoChan(flightKey(kind, slug), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		return fill(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forgetFlight detaches in-flight fills for a changed slug. Readers arriving
// after a save start a new read instead of sharing one that began before it.
func (s *Store) forgetFlight(_ context.Context, e Event) {
	switch e.Kind {
	case KindFlatBlock, KindBlockSet:
		s.group.Forget(flightKey(e.Kind, e.Slug))
	}
}

func flightKey(kind Kind, slug string) string { return string(kind) + ":" + slug }

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

// SaveFlatBlock inserts f when f.ID is zero and updates it otherwise.
// The block's cache entry, the entry under its previous slug after a rename,
// and every set view containing it are invalidated before SaveFlatBlock returns.
func (s *Store) SaveFlatBlock(ctx context.Context, f *FlatBlock) error {
	if err := f.Validate(); err != nil {
		return err
	}
	var prevSlug string
	if f.ID == 0 {
		if err := s.repo.CreateFlatBlock(ctx, f); err != nil {
			return err
		}
	} else {
		prev, err := s.repo.GetFlatBlockByID(ctx, f.ID)
		if err != nil {
			return err
		}
		prevSlug = prev.Slug
		if err := s.repo.UpdateFlatBlock(ctx, f); err != nil {
			return err
		}
	}

	s.publish(ctx, KindFlatBlock, f.Slug, OpSaved)
	if prevSlug != "" && prevSlug != f.Slug {
		s.publish(ctx, KindFlatBlock, prevSlug, OpSaved)
	}
	s.publishContaining(ctx, f.ID)
	return nil
}

// SaveBlockSet inserts or updates a set and invalidates its view.
func (s *Store) SaveBlockSet(ctx context.Context, set *BlockSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	var prevSlug string
	if set.ID == 0 {
		if err := s.repo.CreateBlockSet(ctx, set); err != nil {
			return err
		}
	} else {
		prev, err := s.repo.GetBlockSetByID(ctx, set.ID)
		if err != nil {
			return err
		}
		prevSlug = prev.Slug
		if err := s.repo.UpdateBlockSet(ctx, set); err != nil {
			return err
		}
	}

	s.publish(ctx, KindBlockSet, set.Slug, OpSaved)
	if prevSlug != "" && prevSlug != set.Slug {
		s.publish(ctx, KindBlockSet, prevSlug, OpSaved)
	}
	return nil
}

// SaveBlockSetItem inserts or updates a membership row. Both the set and the
// block must exist. Every set the item belonged to or now belongs to is invalidated.
func (s *Store) SaveBlockSetItem(ctx context.Context, it *BlockSetItem) error {
	if err := it.Validate(); err != nil {
		return err
	}
	set, err := s.repo.GetBlockSetByID(ctx, it.BlockSetID)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetFlatBlockByID(ctx, it.FlatBlockID); err != nil {
		return err
	}

	var prevSet *BlockSet
	if it.ID == 0 {
		if err := s.repo.CreateBlockSetItem(ctx, it); err != nil {
			return err
		}
	} else {
		prev, err := s.repo.GetBlockSetItem(ctx, it.ID)
		if err != nil {
			return err
		}
		if prev.BlockSetID != it.BlockSetID {
			if prevSet, err = s.repo.GetBlockSetByID(ctx, prev.BlockSetID); err != nil {
				return err
			}
		}
		if err := s.repo.UpdateBlockSetItem(ctx, it); err != nil {
			return err
		}
	}

	s.publish(ctx, KindBlockSet, set.Slug, OpSaved)
	if prevSet != nil {
		s.publish(ctx, KindBlockSet, prevSet.Slug, OpSaved)
	}
	return nil
}

// AddBlockSetItem appends the block named blockSlug to the set named setSlug.
func (s *Store) AddBlockSetItem(ctx context.Context, setSlug, blockSlug string, position int) (*BlockSetItem, error) {
	set, err := s.repo.GetBlockSet(ctx, setSlug)
	if err != nil {
		return nil, err
	}
	fb, err := s.repo.GetFlatBlock(ctx, blockSlug)
	if err != nil {
		return nil, err
	}
	it := &BlockSetItem{BlockSetID: set.ID, FlatBlockID: fb.ID, Position: position}
	if err := s.SaveBlockSetItem(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (s *Store) DeleteBlockSetItem(ctx context.Context, id int64) error {
	it, err := s.repo.GetBlockSetItem(ctx, id)
	if err != nil {
		return err
	}
	set, err := s.repo.GetBlockSetByID(ctx, it.BlockSetID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBlockSetItem(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, KindBlockSet, set.Slug, OpSaved)
	return nil
}

// DeleteFlatBlock removes the block and its memberships, then invalidates the
// block and every set view that contained it.
func (s *Store) DeleteFlatBlock(ctx context.Context, slug string) error {
	fb, err := s.repo.GetFlatBlock(ctx, slug)
	if err != nil {
		return err
	}
	containing, err := s.repo.BlockSetsContaining(ctx, fb.ID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteFlatBlock(ctx, slug); err != nil {
		return err
	}
	s.publish(ctx, KindFlatBlock, slug, OpDeleted)
	for _, set := range containing {
		s.publish(ctx, KindBlockSet, set.Slug, OpSaved)
	}
	return nil
}

// DeleteBlockSet removes the set and its items. Member blocks are kept.
func (s *Store) DeleteBlockSet(ctx context.Context, slug string) error {
	if err := s.repo.DeleteBlockSet(ctx, slug); err != nil {
		return err
	}
	s.publish(ctx, KindBlockSet, slug, OpDeleted)
	return nil
}

func (s *Store) publish(ctx context.Context, kind Kind, slug string, op Op) {
	s.bus.Publish(ctx, NewEvent(kind, slug, op))
}

// publishContaining invalidates the views of every set holding the block.
// The write already succeeded, so a failed lookup is logged only.
func (s *Store) publishContaining(ctx context.Context, flatBlockID int64) {
	sets, err := s.repo.BlockSetsContaining(ctx, flatBlockID)
	if err != nil {
		s.log.Error("list containing block sets failed", Fields{"flatblock_id": flatBlockID, "err": err})
		return
	}
	for _, set := range sets {
		s.publish(ctx, KindBlockSet, set.Slug, OpSaved)
	}
}
