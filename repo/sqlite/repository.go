// Package sqlite is a flatblocks.Repository on a single SQLite file
// (modernc.org/sqlite, no cgo). The schema is created on Open.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/unkn0wn-root/flatblocks"
)

// foldFunc is registered on every connection. SQLite's own lower() and LIKE
// only fold ASCII; search must fold the way strings.ToLower does.
const foldFunc = "flatblocks_fold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(foldFunc, 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case nil:
			return "", nil
		case string:
			return strings.ToLower(v), nil
		case []byte:
			return strings.ToLower(string(v)), nil
		default:
			return fmt.Sprint(v), nil
		}
	})
}

// Repository wraps the SQLite connection.
type Repository struct {
	db *sql.DB
}

var _ flatblocks.Repository = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flatblocks_flatblock (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug VARCHAR(255) NOT NULL UNIQUE,
			header VARCHAR(255) NULL,
			content TEXT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flatblocks_blockset (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug VARCHAR(255) NOT NULL UNIQUE,
			header VARCHAR(255) NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flatblocks_blocksetitem (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position INTEGER NOT NULL CHECK (position >= 0),
			blockset_id INTEGER NOT NULL REFERENCES flatblocks_blockset(id) ON DELETE CASCADE,
			flatblock_id INTEGER NOT NULL REFERENCES flatblocks_flatblock(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocksetitem_set ON flatblocks_blocksetitem(blockset_id, position, id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocksetitem_block ON flatblocks_blocksetitem(flatblock_id)`,
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// mapErr translates constraint violations into flatblocks errors.
func mapErr(err error, kind flatblocks.Kind, slug string) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		strings.Contains(se.Error(), "UNIQUE constraint failed"):
		return flatblocks.Duplicate(kind, slug)
	case se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
		strings.Contains(se.Error(), "FOREIGN KEY constraint failed"):
		return &flatblocks.LookupError{Kind: kind, Err: flatblocks.ErrNotFound}
	}
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(s scanner) (flatblocks.FlatBlock, error) {
	var (
		f               flatblocks.FlatBlock
		header, content sql.NullString
	)
	err := s.Scan(&f.ID, &f.Slug, &header, &content)
	f.Header, f.Content = header.String, content.String
	return f, err
}

func scanSet(s scanner) (flatblocks.BlockSet, error) {
	var (
		bs     flatblocks.BlockSet
		header sql.NullString
	)
	err := s.Scan(&bs.ID, &bs.Slug, &header)
	bs.Header = header.String
	return bs, err
}

const (
	blockCols = `id, slug, header, content`
	setCols   = `id, slug, header`
	itemCols  = `id, blockset_id, flatblock_id, position`
)

// Flat blocks

func (r *Repository) CreateFlatBlock(ctx context.Context, f *flatblocks.FlatBlock) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO flatblocks_flatblock (slug, header, content) VALUES (?, ?, ?)`,
		f.Slug, nullable(f.Header), nullable(f.Content))
	if err != nil {
		return mapErr(err, flatblocks.KindFlatBlock, f.Slug)
	}
	f.ID, err = res.LastInsertId()
	return err
}

func (r *Repository) UpdateFlatBlock(ctx context.Context, f *flatblocks.FlatBlock) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE flatblocks_flatblock SET slug = ?, header = ?, content = ? WHERE id = ?`,
		f.Slug, nullable(f.Header), nullable(f.Content), f.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindFlatBlock, f.Slug)
	}
	return expectRow(res, flatblocks.NotFoundID(flatblocks.KindFlatBlock, f.ID))
}

func (r *Repository) GetFlatBlock(ctx context.Context, slug string) (*flatblocks.FlatBlock, error) {
	f, err := scanBlock(r.db.QueryRowContext(ctx,
		`SELECT `+blockCols+` FROM flatblocks_flatblock WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flatblocks.NotFound(flatblocks.KindFlatBlock, slug)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) GetFlatBlockByID(ctx context.Context, id int64) (*flatblocks.FlatBlock, error) {
	f, err := scanBlock(r.db.QueryRowContext(ctx,
		`SELECT `+blockCols+` FROM flatblocks_flatblock WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	args := make([]any, len(slugs))
	for i, s := range slugs {
		args[i] = s
	}
	return r.queryBlocks(ctx,
		`SELECT `+blockCols+` FROM flatblocks_flatblock WHERE slug IN (`+placeholders(len(slugs))+`)`, args...)
}

func (r *Repository) DeleteFlatBlock(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM flatblocks_flatblock WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	return expectRow(res, flatblocks.NotFound(flatblocks.KindFlatBlock, slug))
}

func (r *Repository) ListFlatBlocks(ctx context.Context, query string) ([]flatblocks.FlatBlock, error) {
	if query == "" {
		return r.queryBlocks(ctx, `SELECT `+blockCols+` FROM flatblocks_flatblock ORDER BY slug`)
	}
	p := likePattern(query)
	return r.queryBlocks(ctx, `SELECT `+blockCols+` FROM flatblocks_flatblock
		WHERE `+foldFunc+`(slug) LIKE ? ESCAPE '\'
		   OR `+foldFunc+`(header) LIKE ? ESCAPE '\'
		   OR `+foldFunc+`(content) LIKE ? ESCAPE '\'
		ORDER BY slug`, p, p, p)
}

func (r *Repository) queryBlocks(ctx context.Context, q string, args ...any) ([]flatblocks.FlatBlock, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO flatblocks_blockset (slug, header) VALUES (?, ?)`, s.Slug, nullable(s.Header))
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSet, s.Slug)
	}
	s.ID, err = res.LastInsertId()
	return err
}

func (r *Repository) UpdateBlockSet(ctx context.Context, s *flatblocks.BlockSet) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE flatblocks_blockset SET slug = ?, header = ? WHERE id = ?`, s.Slug, nullable(s.Header), s.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSet, s.Slug)
	}
	return expectRow(res, flatblocks.NotFoundID(flatblocks.KindBlockSet, s.ID))
}

func (r *Repository) GetBlockSet(ctx context.Context, slug string) (*flatblocks.BlockSet, error) {
	s, err := scanSet(r.db.QueryRowContext(ctx,
		`SELECT `+setCols+` FROM flatblocks_blockset WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flatblocks.NotFound(flatblocks.KindBlockSet, slug)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetBlockSetByID(ctx context.Context, id int64) (*flatblocks.BlockSet, error) {
	s, err := scanSet(r.db.QueryRowContext(ctx,
		`SELECT `+setCols+` FROM flatblocks_blockset WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSet, id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) DeleteBlockSet(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM flatblocks_blockset WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	return expectRow(res, flatblocks.NotFound(flatblocks.KindBlockSet, slug))
}

func (r *Repository) ListBlockSets(ctx context.Context) ([]flatblocks.BlockSet, error) {
	return r.querySets(ctx, `SELECT `+setCols+` FROM flatblocks_blockset ORDER BY slug`)
}

func (r *Repository) BlockSetsContaining(ctx context.Context, flatBlockID int64) ([]flatblocks.BlockSet, error) {
	return r.querySets(ctx, `SELECT `+setCols+` FROM flatblocks_blockset
		WHERE id IN (SELECT blockset_id FROM flatblocks_blocksetitem WHERE flatblock_id = ?)
		ORDER BY slug`, flatBlockID)
}

func (r *Repository) querySets(ctx context.Context, q string, args ...any) ([]flatblocks.BlockSet, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO flatblocks_blocksetitem (blockset_id, flatblock_id, position) VALUES (?, ?, ?)`,
		it.BlockSetID, it.FlatBlockID, it.Position)
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSetItem, "")
	}
	it.ID, err = res.LastInsertId()
	return err
}

func (r *Repository) UpdateBlockSetItem(ctx context.Context, it *flatblocks.BlockSetItem) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE flatblocks_blocksetitem SET blockset_id = ?, flatblock_id = ?, position = ? WHERE id = ?`,
		it.BlockSetID, it.FlatBlockID, it.Position, it.ID)
	if err != nil {
		return mapErr(err, flatblocks.KindBlockSetItem, "")
	}
	return expectRow(res, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, it.ID))
}

func (r *Repository) GetBlockSetItem(ctx context.Context, id int64) (*flatblocks.BlockSetItem, error) {
	var it flatblocks.BlockSetItem
	err := r.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM flatblocks_blocksetitem WHERE id = ?`, id).
		Scan(&it.ID, &it.BlockSetID, &it.FlatBlockID, &it.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *Repository) DeleteBlockSetItem(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM flatblocks_blocksetitem WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id))
}

func (r *Repository) ListBlockSetItems(ctx context.Context, blockSetID int64) ([]flatblocks.BlockSetItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM flatblocks_blocksetitem WHERE blockset_id = ? ORDER BY position, id`, blockSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []flatblocks.BlockSetItem
	for rows.Next() {
		var it flatblocks.BlockSetItem
		if err := rows.Scan(&it.ID, &it.BlockSetID, &it.FlatBlockID, &it.Position); err != nil {
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
		WHERE i.blockset_id = ?
		ORDER BY i.position, i.id`, blockSetID)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
