package flatblocks

import "context"

// Repository is the persistent storage behind a Store.
//
// Lookups return an error wrapping ErrNotFound for unknown slugs or ids.
// Creates and updates return an error wrapping ErrDuplicateSlug when the slug
// is taken. Create* assigns the ID on the passed value. Deleting a flat block
// or a block set removes the items that reference it.
type Repository interface {
	CreateFlatBlock(ctx context.Context, f *FlatBlock) error
	UpdateFlatBlock(ctx context.Context, f *FlatBlock) error
	GetFlatBlock(ctx context.Context, slug string) (*FlatBlock, error)
	GetFlatBlockByID(ctx context.Context, id int64) (*FlatBlock, error)
	// GetFlatBlocks returns the blocks that exist among slugs, in any order.
	GetFlatBlocks(ctx context.Context, slugs []string) ([]FlatBlock, error)
	DeleteFlatBlock(ctx context.Context, slug string) error
	// ListFlatBlocks returns blocks ordered by slug. A non-empty query keeps
	// blocks whose slug, header or content contains it, ignoring case.
	ListFlatBlocks(ctx context.Context, query string) ([]FlatBlock, error)

	CreateBlockSet(ctx context.Context, s *BlockSet) error
	UpdateBlockSet(ctx context.Context, s *BlockSet) error
	GetBlockSet(ctx context.Context, slug string) (*BlockSet, error)
	GetBlockSetByID(ctx context.Context, id int64) (*BlockSet, error)
	DeleteBlockSet(ctx context.Context, slug string) error
	ListBlockSets(ctx context.Context) ([]BlockSet, error)
	// BlockSetsContaining returns the sets holding at least one item for the block.
	BlockSetsContaining(ctx context.Context, flatBlockID int64) ([]BlockSet, error)

	CreateBlockSetItem(ctx context.Context, it *BlockSetItem) error
	UpdateBlockSetItem(ctx context.Context, it *BlockSetItem) error
	GetBlockSetItem(ctx context.Context, id int64) (*BlockSetItem, error)
	DeleteBlockSetItem(ctx context.Context, id int64) error
	// ListBlockSetItems returns the set's items by Position, then ID.
	ListBlockSetItems(ctx context.Context, blockSetID int64) ([]BlockSetItem, error)
	// OrderedFlatBlocks returns the set's blocks in ListBlockSetItems order.
	// A block listed twice appears twice.
	OrderedFlatBlocks(ctx context.Context, blockSetID int64) ([]FlatBlock, error)

	Close() error
}
