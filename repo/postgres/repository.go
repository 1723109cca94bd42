// Package postgres is a flatblocks.Repository on PostgreSQL via pgxpool.
// Run migrations.Up (or `flatblocks migrate`) before use.
package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/flatblocks"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository implements flatblocks.Repository on a pgx pool.
type Repository struct {
	db        *pgxpool.Pool
	closePool bool
}

var _ flatblocks.Repository = (*Repository)(nil)

// New wraps an existing pool. The caller keeps ownership of it.
func New(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Connect opens a pool for url. Close releases it.
func Connect(ctx context.Context, url string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repository{db: pool, closePool: true}, nil
}

// Pool exposes the underlying pool (for migrations).
func (r *Repository) Pool() *pgxpool.Pool { return r.db }

func (r *Repository) Close() error {
	if r.closePool {
		r.db.Close()
	}
	return nil
}

func mapErr(err error, kind flatblocks.Kind, slug string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return flatblocks.Duplicate(kind, slug)
		case pgForeignKeyViolation:
			return &flatblocks.LookupError{Kind: kind, Err: flatblocks.ErrNotFound}
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func scanBlock(row pgx.Row) (flatblocks.FlatBlock, error) {
	var (
		f               flatblocks.FlatBlock
		header, content *string
	)
	err := row.Scan(&f.ID, &f.Slug, &header, &content)
	f.Header, f.Content = deref(header), deref(content)
	return f, err
}

func scanSet(row pgx.Row) (flatblocks.BlockSet, error) {
	var (
		s      flatblocks.BlockSet
		header *string
	)
	err := row.Scan(&s.ID, &s.Slug, &header)
	s.Header = deref(header)
	return s, err
}

func scanItem(row pgx.Row) (flatblocks.BlockSetItem, error) {
	var it flatblocks.BlockSetItem
	err := row.Scan(&it.ID, &it.BlockSetID, &it.FlatBlockID, &it.Position)
	return it, err
}

const (
	blockCols = `id, slug, header, content`
	setCols   = `id, slug, header`
	itemCols  = `id, blockset_id, flatblock_id, position`
)

// Flat blocks

func (r *Repository) CreateFlatBlock(ctx context.Context, f *flatblocks.FlatBlock) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO flatblocks_flatblock (slug, header, content) VALUES ($1, $2, $3) RETURNING id`,
		f.Slug, nullable(f.Header), nullable(f.Content)).Scan(&f.ID)
	return mapErr(err, flatblocks.KindFlatBlock, f.Slug)
}

func (r *Repository) UpdateFlatBlock(ctx context.Context, f *flatblocks.FlatBlock) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE flatblocks_flatblock SET slug = $1, header = $2, content = $3 WHERE id = $4`,
		f.Slug, nullable(f.Header), nullable(f.Content), f.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindFlatBlock, f.Slug)
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFoundID(flatblocks.KindFlatBlock, f.ID)
	}
	return nil
}

func (r *Repository) GetFlatBlock(ctx context.Context, slug string) (*flatblocks.FlatBlock, error) {
	f, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT `+blockCols+` FROM flatblocks_flatblock WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flatblocks.NotFound(flatblocks.KindFlatBlock, slug)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) GetFlatBlockByID(ctx context.Context, id int64) (*flatblocks.FlatBlock, error) {
	f, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT `+blockCols+` FROM flatblocks_flatblock WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flatblocks.NotFoundID(flatblocks.KindFlatBlock, id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) GetFlatBlocks(ctx context.Context, slugs []string) ([]flatblocks.FlatBlock, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	return r.queryBlocks(ctx, `SELECT `+blockCols+` FROM flatblocks_flatblock WHERE slug = ANY($1)`, slugs)
}

func (r *Repository) DeleteFlatBlock(ctx context.Context, slug string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM flatblocks_flatblock WHERE slug = $1`, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFound(flatblocks.KindFlatBlock, slug)
	}
	return nil
}

// ListFlatBlocks folds case with ILIKE, which covers non-ASCII letters only
// when the database LC_CTYPE is a UTF-8 locale (not "C").
func (r *Repository) ListFlatBlocks(ctx context.Context, query string) ([]flatblocks.FlatBlock, error) {
	if query == "" {
		return r.queryBlocks(ctx, `SELECT `+blockCols+` FROM flatblocks_flatblock ORDER BY slug`)
	}
	return r.queryBlocks(ctx, `SELECT `+blockCols+` FROM flatblocks_flatblock
		WHERE slug ILIKE $1 OR header ILIKE $1 OR content ILIKE $1
		ORDER BY slug`, likePattern(query))
}

func (r *Repository) queryBlocks(ctx context.Context, q string, args ...any) ([]flatblocks.FlatBlock, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []flatblocks.FlatBlock
	for rows.Next() {
		f, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Block sets

func (r *Repository) CreateBlockSet(ctx context.Context, s *flatblocks.BlockSet) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO flatblocks_blockset (slug, header) VALUES ($1, $2) RETURNING id`,
		s.Slug, nullable(s.Header)).Scan(&s.ID)
	return mapErr(err, flatblocks.KindBlockSet, s.Slug)
}

func (r *Repository) UpdateBlockSet(ctx context.Context, s *flatblocks.BlockSet) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE flatblocks_blockset SET slug = $1, header = $2 WHERE id = $3`, s.Slug, nullable(s.Header), s.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSet, s.Slug)
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFoundID(flatblocks.KindBlockSet, s.ID)
	}
	return nil
}

func (r *Repository) GetBlockSet(ctx context.Context, slug string) (*flatblocks.BlockSet, error) {
	s, err := scanSet(r.db.QueryRow(ctx,
		`SELECT `+setCols+` FROM flatblocks_blockset WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flatblocks.NotFound(flatblocks.KindBlockSet, slug)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetBlockSetByID(ctx context.Context, id int64) (*flatblocks.BlockSet, error) {
	s, err := scanSet(r.db.QueryRow(ctx,
		`SELECT `+setCols+` FROM flatblocks_blockset WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSet, id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) DeleteBlockSet(ctx context.Context, slug string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM flatblocks_blockset WHERE slug = $1`, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFound(flatblocks.KindBlockSet, slug)
	}
	return nil
}

func (r *Repository) ListBlockSets(ctx context.Context) ([]flatblocks.BlockSet, error) {
	return r.querySets(ctx, `SELECT `+setCols+` FROM flatblocks_blockset ORDER BY slug`)
}

func (r *Repository) BlockSetsContaining(ctx context.Context, flatBlockID int64) ([]flatblocks.BlockSet, error) {
	return r.querySets(ctx, `SELECT `+setCols+` FROM flatblocks_blockset
		WHERE id IN (SELECT blockset_id FROM flatblocks_blocksetitem WHERE flatblock_id = $1)
		ORDER BY slug`, flatBlockID)
}

func (r *Repository) querySets(ctx context.Context, q string, args ...any) ([]flatblocks.BlockSet, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []flatblocks.BlockSet
	for rows.Next() {
		s, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Items

func (r *Repository) CreateBlockSetItem(ctx context.Context, it *flatblocks.BlockSetItem) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO flatblocks_blocksetitem (blockset_id, flatblock_id, position) VALUES ($1, $2, $3) RETURNING id`,
		it.BlockSetID, it.FlatBlockID, it.Position).Scan(&it.ID)
	return mapErr(err, flatblocks.KindBlockSetItem, "")
}

func (r *Repository) UpdateBlockSetItem(ctx context.Context, it *flatblocks.BlockSetItem) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE flatblocks_blocksetitem SET blockset_id = $1, flatblock_id = $2, position = $3 WHERE id = $4`,
		it.BlockSetID, it.FlatBlockID, it.Position, it.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSetItem, "")
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFoundID(flatblocks.KindBlockSetItem, it.ID)
	}
	return nil
}

func (r *Repository) GetBlockSetItem(ctx context.Context, id int64) (*flatblocks.BlockSetItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx,
		`SELECT `+itemCols+` FROM flatblocks_blocksetitem WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *Repository) DeleteBlockSetItem(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM flatblocks_blocksetitem WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id)
	}
	return nil
}

func (r *Repository) ListBlockSetItems(ctx context.Context, blockSetID int64) ([]flatblocks.BlockSetItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+itemCols+` FROM flatblocks_blocksetitem WHERE blockset_id = $1 ORDER BY position, id`, blockSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []flatblocks.BlockSetItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repository) OrderedFlatBlocks(ctx context.Context, blockSetID int64) ([]flatblocks.FlatBlock, error) {
	return r.queryBlocks(ctx, `SELECT f.id, f.slug, f.header, f.content
		FROM flatblocks_blocksetitem i
		JOIN flatblocks_flatblock f ON f.id = i.flatblock_id
		WHERE i.blockset_id = $1
		ORDER BY i.position, i.id`, blockSetID)
}
