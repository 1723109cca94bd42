package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{"site:flatblock:", "site:flatblock:"},
		{"a*b?:", `a\*b\?:`},
		{"[x]^", `\[x\]\^`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globEscape(tt.in))
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func newRedis(t *testing.T, cfg Config) *Redis {
	t.Helper()
	addr := os.Getenv("FLATBLOCKS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLATBLOCKS_TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	cfg.Client = rdb
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestOversizedBlockRefused(t *testing.T) {
	ctx := context.Background()
	p := newRedis(t, Config{MaxEntryBytes: 8})
	key := "fbtest:" + t.Name() + ":flatblock:huge"
	t.Cleanup(func() { _ = p.Del(ctx, key) })

	ok, err := p.Set(ctx, key, []byte("0123456789"), 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	_, hit, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPurgeLeavesOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	p := newRedis(t, Config{})
	pre := "fbtest:" + t.Name() + ":"

	keep := []string{"gen:" + pre + "flatblock:footer", pre + "other:footer"}
	drop := []string{pre + "flatblock:footer", pre + "flatblock:about", pre + "blockset:sidebar", pre + "bulk:flatblock:0123456789abcdef"}
	for _, k := range append(append([]string{}, keep...), drop...) {
		ok, err := p.Set(ctx, k, []byte("x"), 1, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	t.Cleanup(func() {
		for _, k := range keep {
			_ = p.Del(ctx, k)
		}
	})

	n, err := p.Purge(ctx, pre+"flatblock:", pre+"blockset:", pre+"bulk:")
	require.NoError(t, err)
	assert.Equal(t, len(drop), n)
	for _, k := range drop {
		_, hit, _ := p.Get(ctx, k)
		assert.False(t, hit, k)
	}
	for _, k := range keep {
		_, hit, _ := p.Get(ctx, k)
		assert.True(t, hit, k)
	}

	_, err = p.Purge(ctx, "")
	assert.Error(t, err)
}
