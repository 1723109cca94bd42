package ttlcache

import (
	"context"
	"time"

	tc "github.com/jellydator/ttlcache/v3"

	"github.com/unkn0wn-root/flatblocks/provider"
)

// Provider keeps entries in a jellydator/ttlcache with per-entry TTLs.
type Provider struct {
	c *tc.Cache[string, []byte]
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	// Capacity bounds the number of entries; 0 = unlimited.
	Capacity uint64
	// DefaultTTL applies when Set is called with ttl <= 0; 0 = no expiry.
	DefaultTTL time.Duration
}

func New(cfg Config) *Provider {
	opts := []tc.Option[string, []byte]{
		tc.WithTTL[string, []byte](cfg.DefaultTTL),
		tc.WithDisableTouchOnHit[string, []byte](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, tc.WithCapacity[string, []byte](cfg.Capacity))
	}
	c := tc.New(opts...)
	go c.Start() // expired item cleanup
	return &Provider{c: c}
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it := p.c.Get(key)
	if it == nil || it.IsExpired() {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = tc.DefaultTTL
	}
	p.c.Set(key, value, ttl)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Delete(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Stop()
	return nil
}
