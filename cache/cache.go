package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/unkn0wn-root/flatblocks/codec"
	"github.com/unkn0wn-root/flatblocks/genstore"
	"github.com/unkn0wn-root/flatblocks/internal/util"
	"github.com/unkn0wn-root/flatblocks/internal/wire"
	"github.com/unkn0wn-root/flatblocks/provider"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

type cache[V any] struct {
	prefix         string
	ns             string
	provider       provider.Provider
	codec          codec.Codec[V]
	log            Logger
	hooks          Hooks
	enabled        bool
	bulkEnabled    bool
	defaultTTL     time.Duration
	bulkTTL        time.Duration
	computeSetCost SetCostFunc
	gen            genstore.GenStore
	ownsGen        bool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("cache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("cache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("cache: namespace is required")
	}

	c := &cache[V]{
		prefix:      opts.Prefix,
		ns:          opts.Namespace,
		provider:    opts.Provider,
		codec:       opts.Codec,
		enabled:     !opts.Disabled,
		bulkEnabled: !opts.DisableBulk,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	c.bulkTTL = coalesce[time.Duration](opts.BulkTTL, defaultTTL)

	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(_ string, _ []byte, _ bool, _ int) int64 { return 1 }
	}

	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		sweep := coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
		retention := coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
		c.gen = genstore.NewLocal(sweep, retention)
		c.ownsGen = true
	}

	if c.enabled && c.bulkEnabled {
		if _, local := c.gen.(*genstore.Local); local {
			c.hooks.LocalGenWithBulk()
		}
	}

	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

// Close stops the generation store when the cache created it.
// The provider and any injected GenStore belong to the caller.
func (c *cache[V]) Close(ctx context.Context) error {
	if c.ownsGen && c.gen != nil {
		return c.gen.Close(ctx)
	}
	return nil
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !c.enabled {
		return zero, false, nil
	}
	k := c.singleKey(key)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil || !ok {
		return zero, false, err
	}
	gen, payload, err := wire.DecodeSingle(raw)
	if err != nil {
		c.selfHeal(ctx, k, "corrupt")
		return zero, false, nil
	}
	cur, err := c.snapshotGen(ctx, k)
	if err != nil {
		// cannot prove freshness; miss without touching the entry
		return zero, false, nil
	}
	if gen != cur {
		c.selfHeal(ctx, k, "gen_mismatch")
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.selfHeal(ctx, k, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

func (c *cache[V]) SetWithGen(ctx context.Context, key string, value V, observedGen uint64, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	k := c.singleKey(key)
	cur, err := c.snapshotGen(ctx, k)
	if err != nil {
		return nil
	}
	if cur != observedGen {
		// generation moved; skip stale write
		c.log.Debug("SetWithGen skipped (gen mismatch)", Fields{"key": key, "obs": observedGen, "cur": cur})
		return nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	wireb := wire.EncodeSingle(observedGen, payload)
	ok, err := c.provider.Set(ctx, k, wireb, c.computeSetCost(k, wireb, false, 1), ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(k, false)
		c.log.Debug("SetWithGen rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

// Invalidate bumps the key's generation and deletes its single entry.
// Either step alone is enough to keep readers from seeing the old value,
// so an error is returned only when both fail.
func (c *cache[V]) Invalidate(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	k := c.singleKey(key)
	newGen, bumpErr := c.bumpGen(ctx, k)
	delErr := c.provider.Del(ctx, k)
	if bumpErr != nil && delErr != nil {
		c.hooks.InvalidateOutage(k, bumpErr, delErr)
		return &InvalidateError{Namespace: c.ns, Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	if delErr != nil {
		c.log.Warn("invalidate: delete failed, generation bumped", Fields{"key": key, "err": delErr})
	}
	c.log.Debug("invalidated key", Fields{"key": key, "newGen": newGen})
	return nil
}

func (c *cache[V]) GetBulk(ctx context.Context, keys []string) (map[string]V, []string, error) {
	sorted := uniqSorted(keys)
	out := make(map[string]V, len(sorted))
	if !c.enabled {
		return out, sorted, nil
	}
	if len(sorted) == 0 {
		return out, nil, nil
	}

	if c.bulkEnabled {
		if vals, gens, ok := c.readBulk(ctx, sorted); ok {
			for _, k := range sorted {
				out[k] = vals[k]
				// opportunistic single warmup (CAS-protected)
				_ = c.SetWithGen(ctx, k, vals[k], gens[k], c.defaultTTL)
			}
			return out, nil, nil
		}
	}

	// fallback: singles
	var missing []string
	for _, k := range sorted {
		if v, ok, _ := c.Get(ctx, k); ok {
			out[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return out, missing, nil
}

// readBulk returns decoded members of the bulk entry for sorted keys, or ok=false
// when the entry is absent, corrupt, incomplete or stale. Rejected entries are deleted.
func (c *cache[V]) readBulk(ctx context.Context, sorted []string) (map[string]V, map[string]uint64, bool) {
	bk := c.bulkKeySorted(sorted)
	raw, ok, err := c.provider.Get(ctx, bk)
	if err != nil || !ok {
		return nil, nil, false
	}

	reject := func(reason string) (map[string]V, map[string]uint64, bool) {
		_ = c.provider.Del(ctx, bk)
		c.hooks.BulkRejected(c.ns, len(sorted), reason)
		return nil, nil, false
	}

	items, err := wire.DecodeBulk(raw)
	if err != nil {
		return reject("decode_error")
	}
	cur, err := c.gen.SnapshotMany(ctx, c.singleKeys(sorted))
	if err != nil {
		c.hooks.GenSnapshotError(len(sorted), err)
		return reject("snapshot_error")
	}
	if !c.bulkValid(sorted, items, cur) {
		return reject("invalid_or_stale")
	}

	vals := make(map[string]V, len(items))
	gens := make(map[string]uint64, len(items))
	for _, it := range items {
		v, err := c.codec.Decode(it.Payload)
		if err != nil {
			return reject("decode_error")
		}
		vals[it.Key] = v
		gens[it.Key] = it.Gen
	}
	return vals, gens, true
}

func (c *cache[V]) SetBulkWithGens(ctx context.Context, items map[string]V, observedGens map[string]uint64, ttl time.Duration) error {
	if !c.enabled || len(items) == 0 {
		return nil
	}
	if ttl == 0 {
		ttl = c.bulkTTL
	}

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if !c.bulkEnabled {
		c.seedSingles(ctx, items, observedGens)
		return nil
	}

	// verify all observed gens are still current
	cur, err := c.gen.SnapshotMany(ctx, c.singleKeys(keys))
	if err != nil {
		c.hooks.GenSnapshotError(len(keys), err)
		return nil
	}
	for _, k := range keys {
		obs, ok := observedGens[k]
		if !ok || cur[c.singleKey(k)] != obs {
			c.log.Debug("SetBulkWithGens skipped (gen mismatch)", Fields{"key": k})
			c.seedSingles(ctx, items, observedGens)
			return nil
		}
	}

	wireItems := make([]wire.BulkItem, 0, len(items))
	for _, k := range keys {
		payload, err := c.codec.Encode(items[k])
		if err != nil {
			return err
		}
		wireItems = append(wireItems, wire.BulkItem{
			Key:     k,
			Gen:     observedGens[k],
			Payload: payload,
		})
	}
	wireb, err := wire.EncodeBulk(wireItems)
	if err != nil {
		return err
	}

	bk := c.bulkKeySorted(keys)
	ok, err := c.provider.Set(ctx, bk, wireb, c.computeSetCost(bk, wireb, true, len(items)), ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(bk, true)
		c.log.Debug("bulk Set rejected; seeding singles", Fields{"bulkKey": bk})
	}

	// also seed singles best-effort
	c.seedSingles(ctx, items, observedGens)
	return nil
}

func (c *cache[V]) seedSingles(ctx context.Context, items map[string]V, observedGens map[string]uint64) {
	for k, v := range items {
		if obs, ok := observedGens[k]; ok {
			_ = c.SetWithGen(ctx, k, v, obs, c.defaultTTL)
		}
	}
}

func (c *cache[V]) SnapshotGen(ctx context.Context, key string) uint64 {
	g, _ := c.snapshotGen(ctx, c.singleKey(key))
	return g
}

func (c *cache[V]) SnapshotGens(ctx context.Context, keys []string) map[string]uint64 {
	uniq := uniqSorted(keys)
	out := make(map[string]uint64, len(uniq))
	if len(uniq) == 0 {
		return out
	}
	m, err := c.gen.SnapshotMany(ctx, c.singleKeys(uniq))
	if err != nil {
		c.hooks.GenSnapshotError(len(uniq), err)
		// one by one
		for _, k := range uniq {
			out[k] = c.SnapshotGen(ctx, k)
		}
		return out
	}
	for _, k := range uniq {
		out[k] = m[c.singleKey(k)]
	}
	return out
}

func (c *cache[V]) snapshotGen(ctx context.Context, storageKey string) (uint64, error) {
	g, err := c.gen.Snapshot(ctx, storageKey)
	if err != nil {
		c.hooks.GenSnapshotError(1, err)
		c.log.Warn("gen snapshot error", Fields{"key": storageKey, "err": err})
		return 0, err
	}
	return g, nil
}

func (c *cache[V]) bumpGen(ctx context.Context, storageKey string) (uint64, error) {
	g, err := c.gen.Bump(ctx, storageKey)
	if err != nil {
		c.hooks.GenBumpError(storageKey, err)
		c.log.Error("gen bump error", Fields{"key": storageKey, "err": err})
		return 0, err
	}
	return g, nil
}

func (c *cache[V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.provider.Del(ctx, storageKey)
	c.hooks.SelfHealSingle(storageKey, reason)
}

func (c *cache[V]) singleKey(userKey string) string {
	return c.prefix + c.ns + ":" + userKey
}

func (c *cache[V]) singleKeys(userKeys []string) []string {
	out := make([]string, len(userKeys))
	for i, k := range userKeys {
		out[i] = c.singleKey(k)
	}
	return out
}

func (c *cache[V]) bulkKeySorted(sortedKeys []string) string {
	return util.BulkKeySorted(c.prefix+"bulk:"+c.ns, sortedKeys)
}

// bulkValid reports whether items cover every requested key at the
// generation in cur.
func (c *cache[V]) bulkValid(sortedKeys []string, items []wire.BulkItem, cur map[string]uint64) bool {
	byKey := make(map[string]uint64, len(items))
	for _, it := range items {
		byKey[it.Key] = it.Gen
	}
	for _, k := range sortedKeys {
		g, ok := byKey[k]
		if !ok || g != cur[c.singleKey(k)] {
			return false
		}
	}
	return true
}

// uniqSorted returns a sorted copy of keys without duplicates.
func uniqSorted(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	s := make([]string, len(keys))
	copy(s, keys)
	sort.Strings(s)
	out := s[:1]
	for _, k := range s[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
