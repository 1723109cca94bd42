// Package redis keeps cached flat blocks and block sets in Redis so every
// replica reads the same entries.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flatblocks/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const purgeBatch = 500

type Redis struct {
	rdb           goredis.UniversalClient
	closeClient   bool
	maxEntryBytes int
}

var _ provider.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// CloseClient hands the client to the provider; the genstore usually
	// shares it, so leave false unless nothing else does.
	CloseClient bool
	// MaxEntryBytes refuses larger entries (ok=false) so one huge block
	// cannot crowd a shared instance; 0 = no limit.
	MaxEntryBytes int
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient, maxEntryBytes: cfg.MaxEntryBytes}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set treats non-positive TTLs as "no expiry".
func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if p.maxEntryBytes > 0 && len(value) > p.maxEntryBytes {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// Purge unlinks every key starting with one of prefixes and returns how many
// were removed. Generations are left alone, so readers simply miss and refill.
func (p *Redis) Purge(ctx context.Context, prefixes ...string) (int, error) {
	removed := 0
	for _, pre := range prefixes {
		if pre == "" {
			return removed, errors.New("redis provider: refusing to purge an empty prefix")
		}
		iter := p.rdb.Scan(ctx, 0, globEscape(pre)+"*", purgeBatch).Iterator()
		batch := make([]string, 0, purgeBatch)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == purgeBatch {
				n, err := p.rdb.Unlink(ctx, batch...).Result()
				removed += int(n)
				if err != nil {
					return removed, err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return removed, err
		}
		if len(batch) > 0 {
			n, err := p.rdb.Unlink(ctx, batch...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// globEscape quotes the characters SCAN MATCH treats as patterns.
func globEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close releases the underlying client only when this provider owns it.
// Repeated calls are no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
