// Package bigcache keeps cached blocks off the GC-scanned heap in
// allegro/bigcache shards. Suited to many small blocks with one cache TTL.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/flatblocks/provider"
)

// Provider has no per-entry TTL: every entry lives for Config.TTL, which
// should match the Store TTL.
type Provider struct {
	c             *bc.BigCache
	maxEntryBytes int
	shardBytes    int
}

// entryOverhead covers bigcache's per-entry timestamp, hash, key length and
// queue headers.
const entryOverhead = 32

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	TTL time.Duration
	// MaxBytes caps shard memory, rounded up to whole MiB; 0 = unbounded.
	MaxBytes int64
	// ExpectedEntries and TypicalEntryBytes presize the shards.
	ExpectedEntries   int
	TypicalEntryBytes int
	// MaxEntryBytes refuses larger entries (ok=false); 0 = no limit
	// beyond what a shard can hold.
	MaxEntryBytes int
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("bigcache: TTL must be positive")
	}
	conf := bc.DefaultConfig(cfg.TTL)
	conf.CleanWindow = max(cfg.TTL/4, time.Second)
	if cfg.ExpectedEntries > 0 {
		conf.MaxEntriesInWindow = cfg.ExpectedEntries
	}
	if cfg.TypicalEntryBytes > 0 {
		conf.MaxEntrySize = cfg.TypicalEntryBytes
	}
	if cfg.MaxBytes > 0 {
		conf.HardMaxCacheSize = int((cfg.MaxBytes + 1<<20 - 1) >> 20)
	}
	conf.Verbose = false
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	p := &Provider{c: c, maxEntryBytes: cfg.MaxEntryBytes}
	if conf.HardMaxCacheSize > 0 {
		p.shardBytes = conf.HardMaxCacheSize << 20 / conf.Shards
	}
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set reports ok=false for entries over MaxEntryBytes or too big for a
// shard, so the cache logs a refusal instead of failing the read.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if p.maxEntryBytes > 0 && len(value) > p.maxEntryBytes {
		return false, nil
	}
	if p.shardBytes > 0 && len(key)+len(value)+entryOverhead > p.shardBytes {
		return false, nil
	}
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
