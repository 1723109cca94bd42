package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/cache"
	"github.com/unkn0wn-root/flatblocks/genstore"
	asynchook "github.com/unkn0wn-root/flatblocks/hooks/async"
	loglogrus "github.com/unkn0wn-root/flatblocks/log/logrus"
	logslog "github.com/unkn0wn-root/flatblocks/log/slog"
	logzap "github.com/unkn0wn-root/flatblocks/log/zap"
	"github.com/unkn0wn-root/flatblocks/provider"
	"github.com/unkn0wn-root/flatblocks/provider/bigcache"
	rprov "github.com/unkn0wn-root/flatblocks/provider/redis"
	"github.com/unkn0wn-root/flatblocks/provider/ristretto"
	"github.com/unkn0wn-root/flatblocks/provider/ttlcache"
	"github.com/unkn0wn-root/flatblocks/repo/memory"
	"github.com/unkn0wn-root/flatblocks/repo/postgres"
	"github.com/unkn0wn-root/flatblocks/repo/sqlite"
	"github.com/unkn0wn-root/flatblocks/sloghooks"
)

const (
	hookWorkers = 1
	hookQueue   = 1024

	// sizing hints for the in-process providers
	expectedEntries   = 10_000
	typicalEntryBytes = 1024
)

// App is everything a running flatblocks process holds open.
type App struct {
	Store *flatblocks.Store
	Repo  flatblocks.Repository
	Log   cache.Logger

	hooks  *asynchook.Hooks
	redis  goredis.UniversalClient
	syncFn func() error
}

// Build opens the repository and assembles the Store described by cfg.
// On error everything opened so far is closed again.
func Build(ctx context.Context, cfg *Config) (app *App, err error) {
	log, slogger, syncFn, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	app = &App{Log: log, syncFn: syncFn}
	defer func() {
		if err != nil {
			_ = app.Close(ctx)
			app = nil
		}
	}()

	if app.Repo, err = OpenRepository(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	if cfg.usesRedis() {
		if app.redis, err = dialRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	prov, err := NewProvider(ctx, cfg.Cache, app.redis)
	if err != nil {
		return nil, err
	}
	gen := NewGenStore(cfg.Cache, app.redis)

	var hooks cache.Hooks
	if cfg.Cache.Hooks {
		app.hooks = asynchook.New(sloghooks.New(slogger, sloghooks.Options{Prefix: cfg.Cache.Prefix}), hookWorkers, hookQueue)
		hooks = app.hooks
	}

	app.Store, err = flatblocks.New(flatblocks.Options{
		Repository:  app.Repo,
		Provider:    prov,
		Prefix:      cfg.Cache.Prefix,
		Codec:       cfg.Cache.Codec,
		MaxDecode:   cfg.Cache.MaxDecode,
		TTL:         cfg.Cache.TTL,
		DisableBulk: cfg.Cache.DisableBulk,
		GenStore:    gen,
		Logger:      log,
		Hooks:       hooks,
	})
	if err != nil {
		if prov != nil {
			_ = prov.Close(ctx)
		}
		_ = gen.Close(ctx)
		return nil, err
	}
	return app, nil
}

func dialRedis(ctx context.Context, c RedisConfig) (goredis.UniversalClient, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// PurgePrefixes lists the storage key prefixes of every cached kind.
func PurgePrefixes(prefix string) []string {
	var out []string
	for _, k := range []flatblocks.Kind{flatblocks.KindFlatBlock, flatblocks.KindBlockSet} {
		out = append(out, cache.KeyPrefixes(prefix, string(k))...)
	}
	return out
}

// PurgeCache removes every flat block and block set entry from the shared
// redis cache and reports how many keys went. In-process providers die with
// their process, so only the redis provider can be purged.
func PurgeCache(ctx context.Context, cfg *Config) (int, error) {
	if cfg.Cache.Provider != "redis" {
		return 0, fmt.Errorf("purge needs FLATBLOCKS_CACHE_PROVIDER=redis, have %q", cfg.Cache.Provider)
	}
	rdb, err := dialRedis(ctx, cfg.Redis)
	if err != nil {
		return 0, err
	}
	defer rdb.Close()
	p, err := rprov.New(rprov.Config{Client: rdb})
	if err != nil {
		return 0, err
	}
	return p.Purge(ctx, PurgePrefixes(cfg.Cache.Prefix)...)
}

// Close releases the Store, then the repository and shared clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close(ctx))
	}
	if a.hooks != nil {
		a.hooks.Close()
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.syncFn != nil {
		// stderr sync fails on some terminals; not worth surfacing
		_ = a.syncFn()
	}
	return errors.Join(errs...)
}

// OpenRepository picks the backend from the URL scheme.
func OpenRepository(ctx context.Context, url string) (flatblocks.Repository, error) {
	cfg := Config{DatabaseURL: url}
	kind, err := cfg.DatabaseKind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case "postgres":
		r, err := postgres.Connect(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return r, nil
	case "sqlite":
		r, err := sqlite.Open(ctx, strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return r, nil
	default:
		return memory.New(), nil
	}
}

// NewProvider returns nil for "none", which disables caching.
func NewProvider(ctx context.Context, c CacheConfig, rdb goredis.UniversalClient) (provider.Provider, error) {
	switch c.Provider {
	case "none":
		return nil, nil
	case "ristretto":
		return ristretto.New(ristretto.Config{
			MaxBytes:        c.MaxBytes,
			ExpectedEntries: expectedEntries,
			MaxEntryBytes:   c.MaxEntry,
		})
	case "bigcache":
		// bigcache has one lifetime for every entry
		life := c.TTL
		if life <= 0 {
			life = 10 * time.Minute
		}
		return bigcache.New(ctx, bigcache.Config{
			TTL:               life,
			MaxBytes:          c.MaxBytes,
			ExpectedEntries:   expectedEntries,
			TypicalEntryBytes: typicalEntryBytes,
			MaxEntryBytes:     c.MaxEntry,
		})
	case "ttlcache":
		return ttlcache.New(ttlcache.Config{DefaultTTL: c.TTL}), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis provider needs a redis client")
		}
		return rprov.New(rprov.Config{Client: rdb, MaxEntryBytes: c.MaxEntry})
	}
	return nil, fmt.Errorf("unknown cache provider %q", c.Provider)
}

// NewGenStore returns a process-local store unless generations live in redis.
func NewGenStore(c CacheConfig, rdb goredis.UniversalClient) genstore.GenStore {
	if c.GenStore == "redis" && rdb != nil {
		ns := c.Prefix
		if ns == "" {
			ns = "flatblocks"
		}
		return genstore.NewRedis(genstore.RedisConfig{Client: rdb, Namespace: ns, TTL: c.GenTTL})
	}
	return genstore.NewLocal(genstore.DefaultCleanupInterval, genstore.DefaultRetention)
}

// NewLogger builds the configured backend. The *slog.Logger feeds cache hooks;
// the func flushes buffered output on shutdown.
func NewLogger(c LogConfig) (cache.Logger, *slog.Logger, func() error, error) {
	level := strings.ToLower(c.Level)
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, nil, fmt.Errorf("log level: %w", err)
	}
	hookLog := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	switch c.Backend {
	case "zap":
		zl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zl)
		l, err := zc.Build()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build zap logger: %w", err)
		}
		return logzap.Logger{L: l}, hookLog, l.Sync, nil
	case "logrus":
		ll, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(ll)
		return loglogrus.Logger{E: logrus.NewEntry(l)}, hookLog, nil, nil
	case "slog":
		return logslog.Logger{L: hookLog}, hookLog, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown log backend %q", c.Backend)
}
