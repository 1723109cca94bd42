package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/repo/memory"
	"github.com/unkn0wn-root/flatblocks/repo/sqlite"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.DatabaseURL)
	assert.Equal(t, "ristretto", cfg.Cache.Provider)
	assert.Equal(t, "json", cfg.Cache.Codec)
	assert.Equal(t, "local", cfg.Cache.GenStore)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Hooks)
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxBytes)
	assert.Zero(t, cfg.Cache.MaxEntry)
	assert.Equal(t, "zap", cfg.Log.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLATBLOCKS_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("FLATBLOCKS_DATABASE_URL", "sqlite:///tmp/fb.db")
	t.Setenv("FLATBLOCKS_CACHE_PREFIX", "site:")
	t.Setenv("FLATBLOCKS_CACHE_PROVIDER", "ttlcache")
	t.Setenv("FLATBLOCKS_CACHE_TTL", "90s")
	t.Setenv("FLATBLOCKS_CACHE_CODEC", "msgpack")
	t.Setenv("FLATBLOCKS_CACHE_DISABLE_BULK", "true")
	t.Setenv("FLATBLOCKS_LOG_BACKEND", "logrus")
	t.Setenv("FLATBLOCKS_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.Equal(t, "site:", cfg.Cache.Prefix)
	assert.Equal(t, "ttlcache", cfg.Cache.Provider)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "msgpack", cfg.Cache.Codec)
	assert.True(t, cfg.Cache.DisableBulk)
	assert.Equal(t, "logrus", cfg.Log.Backend)

	kind, err := cfg.DatabaseKind()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", kind)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			HTTPAddr:    ":8080",
			DatabaseURL: "memory",
			Cache:       CacheConfig{Provider: "ristretto", Codec: "json", GenStore: "local", TTL: time.Minute, MaxBytes: 1 << 20},
			Redis:       RedisConfig{Addr: "localhost:6379"},
			Log:         LogConfig{Backend: "zap", Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres url", func(c *Config) { c.DatabaseURL = "postgresql://u@h/db" }, ""},
		{"redis everywhere", func(c *Config) { c.Cache.Provider = "redis"; c.Cache.GenStore = "redis" }, ""},
		{"caching off", func(c *Config) { c.Cache.Provider = "none" }, ""},
		{"mixed case level", func(c *Config) { c.Log.Level = "WARN" }, ""},
		{"empty addr", func(c *Config) { c.HTTPAddr = "" }, "FLATBLOCKS_HTTP_ADDR"},
		{"bad database", func(c *Config) { c.DatabaseURL = "mysql://x" }, "FLATBLOCKS_DATABASE_URL"},
		{"bare sqlite", func(c *Config) { c.DatabaseURL = "sqlite://" }, "FLATBLOCKS_DATABASE_URL"},
		{"bad provider", func(c *Config) { c.Cache.Provider = "memcached" }, "FLATBLOCKS_CACHE_PROVIDER"},
		{"bad codec", func(c *Config) { c.Cache.Codec = "xml" }, "FLATBLOCKS_CACHE_CODEC"},
		{"bad genstore", func(c *Config) { c.Cache.GenStore = "etcd" }, "FLATBLOCKS_GENSTORE"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "FLATBLOCKS_CACHE_TTL"},
		{"no memory budget", func(c *Config) { c.Cache.MaxBytes = 0 }, "FLATBLOCKS_CACHE_MAX_BYTES"},
		{"redis needs no memory budget", func(c *Config) {
			c.Cache.Provider = "redis"
			c.Cache.GenStore = "redis"
			c.Cache.MaxBytes = 0
		}, ""},
		{"negative entry limit", func(c *Config) { c.Cache.MaxEntry = -1 }, "FLATBLOCKS_CACHE_MAX_ENTRY_BYTES"},
		{"negative max decode", func(c *Config) { c.Cache.MaxDecode = -1 }, "FLATBLOCKS_CACHE_MAX_DECODE"},
		{"shared cache local gens", func(c *Config) { c.Cache.Provider = "redis" }, "FLATBLOCKS_GENSTORE=redis"},
		{"redis without addr", func(c *Config) { c.Cache.GenStore = "redis"; c.Redis.Addr = "" }, "FLATBLOCKS_REDIS_ADDR"},
		{"redis gens outlive entries", func(c *Config) { c.Cache.GenStore = "redis"; c.Cache.GenTTL = time.Hour }, ""},
		{"redis gens expire first", func(c *Config) { c.Cache.GenStore = "redis"; c.Cache.GenTTL = time.Minute }, "FLATBLOCKS_GENSTORE_TTL"},
		{"negative gen ttl", func(c *Config) { c.Cache.GenTTL = -time.Second }, "FLATBLOCKS_GENSTORE_TTL"},
		{"ttl beyond local retention", func(c *Config) { c.Cache.TTL = 31 * 24 * time.Hour }, "FLATBLOCKS_CACHE_TTL"},
		{"bad backend", func(c *Config) { c.Log.Backend = "glog" }, "FLATBLOCKS_LOG_BACKEND"},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }, "FLATBLOCKS_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedDatabaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://app:s3cret@db:5432/flatblocks?sslmode=disable", "postgres://app:xxxxx@db:5432/flatblocks?sslmode=disable"},
		{"postgresql://app@db/flatblocks", "postgresql://app@db/flatblocks"},
		{"sqlite:///var/lib/fb.db", "sqlite:///var/lib/fb.db"},
		{"memory", "memory"},
	}
	for _, tt := range tests {
		cfg := Config{DatabaseURL: tt.in}
		got := cfg.RedactedDatabaseURL()
		assert.Equal(t, tt.want, got)
		assert.NotContains(t, got, "s3cret")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FLATBLOCKS_CACHE_CODEC", "xml")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLATBLOCKS_CACHE_CODEC")
}

func TestNewLogger(t *testing.T) {
	for _, backend := range []string{"zap", "logrus", "slog"} {
		t.Run(backend, func(t *testing.T) {
			l, hookLog, _, err := NewLogger(LogConfig{Backend: backend, Level: "warn"})
			require.NoError(t, err)
			require.NotNil(t, l)
			require.NotNil(t, hookLog)
			l.Debug("dropped", nil)
		})
	}
	_, _, _, err := NewLogger(LogConfig{Backend: "zap", Level: "loud"})
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"ristretto", "bigcache", "ttlcache"} {
		t.Run(name, func(t *testing.T) {
			p, err := NewProvider(ctx, CacheConfig{Provider: name, TTL: time.Minute, MaxBytes: 1 << 20, MaxEntry: 4096}, nil)
			require.NoError(t, err)
			require.NotNil(t, p)
			require.NoError(t, p.Close(ctx))
		})
	}

	p, err := NewProvider(ctx, CacheConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProvider(ctx, CacheConfig{Provider: "redis"}, nil)
	assert.Error(t, err)
}

func TestNewProviderRefusesOversizedEntries(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"ristretto", "bigcache"} {
		t.Run(name, func(t *testing.T) {
			p, err := NewProvider(ctx, CacheConfig{Provider: name, TTL: time.Minute, MaxBytes: 1 << 20, MaxEntry: 16}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = p.Close(ctx) })

			ok, err := p.Set(ctx, "flatblock:terms", make([]byte, 17), 1, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPurgePrefixes(t *testing.T) {
	assert.Equal(t, []string{
		"site:flatblock:", "site:bulk:flatblock:",
		"site:blockset:", "site:bulk:blockset:",
	}, PurgePrefixes("site:"))
}

func TestPurgeCacheNeedsRedisProvider(t *testing.T) {
	_, err := PurgeCache(context.Background(), &Config{Cache: CacheConfig{Provider: "ristretto"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLATBLOCKS_CACHE_PROVIDER=redis")
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()

	r, err := OpenRepository(ctx, "memory")
	require.NoError(t, err)
	assert.IsType(t, &memory.Repository{}, r)
	require.NoError(t, r.Close())

	path := filepath.Join(t.TempDir(), "data", "fb.db")
	r, err = OpenRepository(ctx, "sqlite://"+path)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Repository{}, r)
	require.NoError(t, r.Close())

	_, err = OpenRepository(ctx, "ftp://nowhere")
	assert.Error(t, err)
}

func TestBuildServesFromCache(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		HTTPAddr:    ":0",
		DatabaseURL: "memory",
		Cache:       CacheConfig{Provider: "ttlcache", Codec: "cbor", GenStore: "local", TTL: time.Minute, Hooks: true},
		Log:         LogConfig{Backend: "slog", Level: "error"},
	}
	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(ctx)) })

	fb := &flatblocks.FlatBlock{Slug: "footer", Content: "v1"}
	require.NoError(t, app.Store.SaveFlatBlock(ctx, fb))

	got, err := app.Store.GetFlatBlock(ctx, "footer")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Content)

	fb.Content = "v2"
	require.NoError(t, app.Store.SaveFlatBlock(ctx, fb))
	got, err = app.Store.GetFlatBlock(ctx, "footer")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}
