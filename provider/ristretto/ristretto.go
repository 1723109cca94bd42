// Package ristretto keeps cached blocks in process memory with
// dgraph-io/ristretto, charging each entry its encoded size.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/flatblocks/provider"
)

// Provider admits entries by TinyLFU, so a footer read on every page keeps
// its slot over a block read once. Sets are buffered: a value may become
// visible shortly after Set returns.
type Provider struct {
	c             *rc.Cache
	maxEntryBytes int
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	// MaxBytes bounds the summed size of cached payloads.
	MaxBytes int64
	// ExpectedEntries sizes the admission counters (10 per entry).
	ExpectedEntries int64
	// MaxEntryBytes refuses larger entries; 0 = MaxBytes/16.
	MaxEntryBytes int
	Metrics       bool
}

// DefaultConfig allows 64 MiB across about 10k blocks and sets.
func DefaultConfig() Config {
	return Config{MaxBytes: 64 << 20, ExpectedEntries: 10_000}
}

func New(cfg Config) (*Provider, error) {
	if cfg.MaxBytes <= 0 || cfg.ExpectedEntries <= 0 || cfg.MaxEntryBytes < 0 {
		return nil, errors.New("ristretto: MaxBytes and ExpectedEntries must be positive")
	}
	maxEntry := cfg.MaxEntryBytes
	if maxEntry == 0 {
		maxEntry = int(max(cfg.MaxBytes/16, 1))
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters:        cfg.ExpectedEntries * 10,
		MaxCost:            cfg.MaxBytes,
		BufferItems:        64,
		Metrics:            cfg.Metrics,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, maxEntryBytes: maxEntry}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set charges len(value) and ignores the caller's cost: a block set view
// holding twenty blocks should weigh more than a one-line footer.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if len(value) > p.maxEntryBytes {
		return false, nil
	}
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if ttl <= 0 {
		return p.c.Set(key, value, cost), nil
	}
	return p.c.SetWithTTL(key, value, cost, ttl), nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
