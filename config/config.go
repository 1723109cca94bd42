// Package config reads flatblocks settings from the environment and builds
// the pieces a binary needs: logger, repository, cache backends and the Store.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/unkn0wn-root/flatblocks/genstore"
)

type Config struct {
	HTTPAddr    string `env:"FLATBLOCKS_HTTP_ADDR" env-default:":8080" env-description:"HTTP listen address"`
	DatabaseURL string `env:"FLATBLOCKS_DATABASE_URL" env-default:"memory" env-description:"memory, postgres://... or sqlite://path"`

	Cache CacheConfig
	Redis RedisConfig
	Log   LogConfig
}

type CacheConfig struct {
	Prefix      string        `env:"FLATBLOCKS_CACHE_PREFIX" env-description:"prepended to every cache key"`
	Provider    string        `env:"FLATBLOCKS_CACHE_PROVIDER" env-default:"ristretto" env-description:"ristretto, bigcache, ttlcache, redis or none"`
	TTL         time.Duration `env:"FLATBLOCKS_CACHE_TTL" env-default:"10m"`
	Codec       string        `env:"FLATBLOCKS_CACHE_CODEC" env-default:"json" env-description:"json, cbor or msgpack"`
	MaxDecode   int           `env:"FLATBLOCKS_CACHE_MAX_DECODE" env-default:"1048576" env-description:"largest cached payload accepted on read, 0 = unlimited"`
	DisableBulk bool          `env:"FLATBLOCKS_CACHE_DISABLE_BULK" env-default:"false"`
	MaxBytes    int64         `env:"FLATBLOCKS_CACHE_MAX_BYTES" env-default:"67108864" env-description:"memory budget of the ristretto and bigcache providers"`
	MaxEntry    int           `env:"FLATBLOCKS_CACHE_MAX_ENTRY_BYTES" env-default:"0" env-description:"larger encoded entries are not cached, 0 = provider default"`
	GenStore    string        `env:"FLATBLOCKS_GENSTORE" env-default:"local" env-description:"local or redis"`
	GenTTL      time.Duration `env:"FLATBLOCKS_GENSTORE_TTL" env-default:"0s" env-description:"expiry of redis generation keys, 0 = none"`
	Hooks       bool          `env:"FLATBLOCKS_CACHE_HOOKS" env-default:"true" env-description:"log cache hook events"`
}

type RedisConfig struct {
	Addr     string `env:"FLATBLOCKS_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"FLATBLOCKS_REDIS_PASSWORD"`
	DB       int    `env:"FLATBLOCKS_REDIS_DB" env-default:"0"`
}

type LogConfig struct {
	Backend string `env:"FLATBLOCKS_LOG_BACKEND" env-default:"zap" env-description:"zap, logrus or slog"`
	Level   string `env:"FLATBLOCKS_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Usage describes every setting, for --help output.
func Usage() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("FLATBLOCKS_HTTP_ADDR must not be empty"))
	}
	if _, err := c.DatabaseKind(); err != nil {
		errs = append(errs, err)
	}
	switch c.Cache.Provider {
	case "ristretto", "bigcache", "ttlcache", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown FLATBLOCKS_CACHE_PROVIDER %q", c.Cache.Provider))
	}
	switch c.Cache.Codec {
	case "json", "cbor", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("unknown FLATBLOCKS_CACHE_CODEC %q", c.Cache.Codec))
	}
	switch c.Cache.GenStore {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown FLATBLOCKS_GENSTORE %q", c.Cache.GenStore))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("FLATBLOCKS_CACHE_TTL must not be negative"))
	}
	// Generations must outlive the entries they guard.
	switch {
	case c.Cache.GenStore == "local" && c.Cache.TTL >= genstore.DefaultRetention:
		errs = append(errs, fmt.Errorf("FLATBLOCKS_CACHE_TTL must be below the local generation retention (%s)", genstore.DefaultRetention))
	case c.Cache.GenStore == "redis" && c.Cache.GenTTL > 0 && c.Cache.GenTTL <= c.Cache.TTL:
		errs = append(errs, errors.New("FLATBLOCKS_GENSTORE_TTL must exceed FLATBLOCKS_CACHE_TTL"))
	}
	if c.Cache.GenTTL < 0 {
		errs = append(errs, errors.New("FLATBLOCKS_GENSTORE_TTL must not be negative"))
	}
	if c.Cache.MaxBytes <= 0 && (c.Cache.Provider == "ristretto" || c.Cache.Provider == "bigcache") {
		errs = append(errs, errors.New("FLATBLOCKS_CACHE_MAX_BYTES must be positive"))
	}
	if c.Cache.MaxEntry < 0 {
		errs = append(errs, errors.New("FLATBLOCKS_CACHE_MAX_ENTRY_BYTES must not be negative"))
	}
	if c.Cache.MaxDecode < 0 {
		errs = append(errs, errors.New("FLATBLOCKS_CACHE_MAX_DECODE must not be negative"))
	}
	// A cache shared across replicas needs generations shared the same way.
	if c.Cache.Provider == "redis" && c.Cache.GenStore != "redis" {
		errs = append(errs, errors.New("FLATBLOCKS_CACHE_PROVIDER=redis requires FLATBLOCKS_GENSTORE=redis"))
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("FLATBLOCKS_REDIS_ADDR is required"))
	}
	switch c.Log.Backend {
	case "zap", "logrus", "slog":
	default:
		errs = append(errs, fmt.Errorf("unknown FLATBLOCKS_LOG_BACKEND %q", c.Log.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown FLATBLOCKS_LOG_LEVEL %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// DatabaseKind returns "memory", "postgres" or "sqlite".
func (c *Config) DatabaseKind() (string, error) {
	u := c.DatabaseURL
	switch {
	case u == "memory":
		return "memory", nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(u, "sqlite://") && len(u) > len("sqlite://"):
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported FLATBLOCKS_DATABASE_URL %q", u)
}

// RedactedDatabaseURL is DatabaseURL safe for logs: any password is masked.
func (c *Config) RedactedDatabaseURL() string {
	if kind, _ := c.DatabaseKind(); kind != "postgres" {
		return c.DatabaseURL
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "postgres://<unparseable>"
	}
	return u.Redacted()
}

func (c *Config) usesRedis() bool {
	return c.Cache.Provider == "redis" || c.Cache.GenStore == "redis"
}
