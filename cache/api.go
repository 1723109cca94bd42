// Package cache is a provider-agnostic value cache guarded by per-key generations.
//
// Every entry is written together with the generation observed before the value
// was read from its source. Invalidate bumps the generation and deletes the entry,
// so a reader that loaded data before an invalidation can never write it back.
//
// Keys:
//
//	<prefix><ns>:<key>        - single entries
//	<prefix>bulk:<ns>:<hash>  - set-shaped entries (hash over sorted keys)
//
// Read-through pattern:
//
//	obs := c.SnapshotGen(ctx, k) // before the storage read
//	v   := readFromDB(k)
//	_   = c.SetWithGen(ctx, k, v, obs, 0) // write iff current gen == obs
package cache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/flatblocks/codec"
	"github.com/unkn0wn-root/flatblocks/genstore"
	"github.com/unkn0wn-root/flatblocks/provider"
)

type SetCostFunc func(key string, raw []byte, isBulk bool, bulkCount int) int64

// CAS is the generation-checked cache API. V is the cached value type;
// serialization is handled by a pluggable codec.Codec[V].
type CAS[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Single
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	SetWithGen(ctx context.Context, key string, value V, observedGen uint64, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error

	// Bulk (order-agnostic return; callers order by their own keys slice)
	GetBulk(ctx context.Context, keys []string) (values map[string]V, missing []string, err error)
	SetBulkWithGens(ctx context.Context, items map[string]V, observedGens map[string]uint64, ttl time.Duration) error

	// Generation snapshots
	SnapshotGen(ctx context.Context, key string) uint64
	SnapshotGens(ctx context.Context, keys []string) map[string]uint64
}

// Options tune a CAS cache. Namespace, Provider and Codec are required.
type Options[V any] struct {
	// Prefix is prepended to every storage key so several logical caches can
	// share one backend (CACHE_PREFIX).
	Prefix string
	// Namespace isolates one kind of value, e.g. "flatblock" or "blockset".
	Namespace string
	Provider  provider.Provider
	Codec     codec.Codec[V]

	Logger          Logger            // nil => NopLogger
	Hooks           Hooks             // nil => NopHooks
	DefaultTTL      time.Duration     // singles; 0 => 10m
	BulkTTL         time.Duration     // bulks; 0 => 10m
	CleanupInterval time.Duration     // local gen store sweep; 0 => 1h
	GenRetention    time.Duration     // local gen store retention; 0 => 30d
	Disabled        bool              // default false (enabled)
	ComputeSetCost  SetCostFunc       // default 1
	GenStore        genstore.GenStore // nil => genstore.Local
	DisableBulk     bool              // default false => bulk enabled
}

// KeyPrefixes returns the storage key prefixes of a namespace: singles first,
// then bulks. Every key the cache writes for namespace starts with one.
func KeyPrefixes(prefix, namespace string) []string {
	return []string{prefix + namespace + ":", prefix + "bulk:" + namespace + ":"}
}

func New[V any](opts Options[V]) (CAS[V], error) {
	return newCache[V](opts)
}
