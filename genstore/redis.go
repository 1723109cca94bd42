package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares per-key generations across processes and survives restarts.
// With a TTL, generation keys expire and read as 0 again. Entries cached at a
// higher generation then miss; the TTL must exceed the cache TTL so an entry
// written at 0 cannot outlive the bump that invalidated it.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string        // logical namespace, e.g. the cache prefix
	ttl         time.Duration // 0 disables expiry
	closeClient bool
}

var _ GenStore = (*Redis)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Namespace   string
	TTL         time.Duration
	CloseClient bool // set true only if this store exclusively owns the client
}

func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.TTL, closeClient: cfg.CloseClient}
}

func (s *Redis) key(k string) string { return "gen:" + s.ns + ":" + k }

// Snapshot returns the current generation. Missing keys are generation 0.
func (s *Redis) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(storageKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

// SnapshotMany reads all generations with one MGET. Missing keys map to 0.
func (s *Redis) SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	if len(storageKeys) == 0 {
		return map[string]uint64{}, nil
	}
	keys := make([]string, len(storageKeys))
	for i, k := range storageKeys {
		keys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(storageKeys))
	for i, v := range vals {
		var str string
		switch vv := v.(type) {
		case nil:
			out[storageKeys[i]] = 0
			continue
		case string:
			str = vv
		case []byte:
			str = string(vv)
		default:
			str = fmt.Sprint(vv)
		}
		u, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis gen parse at %s: %w", storageKeys[i], err)
		}
		out[storageKeys[i]] = u
	}
	return out, nil
}

// Bump increments the generation. With a TTL, INCR and EXPIRE share one pipeline.
func (s *Redis) Bump(ctx context.Context, storageKey string) (uint64, error) {
	k := s.key(storageKey)

	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis handles expiry when a TTL is set.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
