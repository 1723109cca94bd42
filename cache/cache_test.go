package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/flatblocks/codec"
	"github.com/unkn0wn-root/flatblocks/genstore"
	"github.com/unkn0wn-root/flatblocks/internal/wire"
	"github.com/unkn0wn-root/flatblocks/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ provider.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) keysWithPrefix(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

type block struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

func newTestCache(t *testing.T, ns string, mp provider.Provider, optsOpt func(*Options[block])) CAS[block] {
	t.Helper()
	opts := Options[block]{
		Prefix:    "site:",
		Namespace: ns,
		Provider:  mp,
		Codec:     codec.JSON[block]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[block](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	return cc
}

func mustImpl[V any](t *testing.T, c CAS[V]) *cache[V] {
	t.Helper()
	impl, ok := c.(*cache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for CAS")
	}
	return impl
}

func TestNewRequiresProviderCodecNamespace(t *testing.T) {
	mp := newMemProvider()
	if _, err := New[block](Options[block]{Namespace: "flatblock", Codec: codec.JSON[block]{}}); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := New[block](Options[block]{Namespace: "flatblock", Provider: mp}); err == nil {
		t.Fatalf("expected error without codec")
	}
	if _, err := New[block](Options[block]{Provider: mp, Codec: codec.JSON[block]{}}); err == nil {
		t.Fatalf("expected error without namespace")
	}
}

func TestStorageKeyUsesPrefixAndNamespace(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)

	if err := cc.SetWithGen(ctx, "footer", block{Slug: "footer"}, 0, 0); err != nil {
		t.Fatalf("SetWithGen: %v", err)
	}
	if _, ok, _ := mp.Get(ctx, "site:flatblock:footer"); !ok {
		t.Fatalf("expected entry at site:flatblock:footer, have %v", mp.keysWithPrefix(""))
	}
}

func TestKeyPrefixesCoverWrittenKeys(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)

	items := map[string]block{"about": {Slug: "about"}, "footer": {Slug: "footer"}}
	if err := cc.SetBulkWithGens(ctx, items, cc.SnapshotGens(ctx, []string{"about", "footer"}), 0); err != nil {
		t.Fatalf("SetBulkWithGens: %v", err)
	}
	if err := cc.SetWithGen(ctx, "terms", block{Slug: "terms"}, 0, 0); err != nil {
		t.Fatalf("SetWithGen: %v", err)
	}

	pre := KeyPrefixes("site:", "flatblock")
	var singles, bulks int
	for _, k := range mp.keysWithPrefix("") {
		switch {
		case strings.HasPrefix(k, pre[0]):
			singles++
		case strings.HasPrefix(k, pre[1]):
			bulks++
		default:
			t.Fatalf("key %q outside %v", k, pre)
		}
	}
	if singles != 3 || bulks != 1 {
		t.Fatalf("singles=%d bulks=%d, want 3 and 1", singles, bulks)
	}
	for _, other := range KeyPrefixes("site:", "blockset") {
		if got := mp.keysWithPrefix(other); len(got) != 0 {
			t.Fatalf("blockset prefix %q matches %v", other, got)
		}
	}
}

// Same slug in two namespaces must not share an entry or a generation.
func TestNamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	gens := genstore.NewLocal(0, 0)
	t.Cleanup(func() { _ = gens.Close(ctx) })

	blocks := newTestCache(t, "flatblock", mp, func(o *Options[block]) { o.GenStore = gens })
	sets := newTestCache(t, "blockset", mp, func(o *Options[block]) { o.GenStore = gens })

	if err := blocks.SetWithGen(ctx, "news", block{Slug: "news", Content: "block"}, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sets.SetWithGen(ctx, "news", block{Slug: "news", Content: "set"}, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sets.Invalidate(ctx, "news"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := blocks.Get(ctx, "news")
	if err != nil || !ok || got.Content != "block" {
		t.Fatalf("flatblock entry should survive blockset invalidation: ok=%v err=%v got=%v", ok, err, got)
	}
	if _, ok, _ := sets.Get(ctx, "news"); ok {
		t.Fatalf("blockset entry should be gone")
	}
}

// TestSingleCASFlow verifies CAS write, read, invalidation, and stale write skip.
func TestSingleCASFlow(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)

	k := "footer"
	v := block{Slug: "footer", Content: "(c) 2026"}

	if got, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get miss expected, got ok=%v err=%v val=%v", ok, err, got)
	}

	obs := cc.SnapshotGen(ctx, k)
	if obs != 0 {
		t.Fatalf("SnapshotGen expected 0, got %d", obs)
	}
	if err := cc.SetWithGen(ctx, k, v, obs, 0); err != nil {
		t.Fatalf("SetWithGen: %v", err)
	}

	if got, ok, err := cc.Get(ctx, k); err != nil || !ok || got != v {
		t.Fatalf("Get after set: ok=%v err=%v got=%v", ok, err, got)
	}

	// Invalidate -> bump gen & delete single.
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get after invalidate should miss, ok=%v err=%v", ok, err)
	}

	// A reader that snapshotted before the invalidation must not repopulate.
	if err := cc.SetWithGen(ctx, k, v, obs, 0); err != nil {
		t.Fatalf("SetWithGen stale: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatalf("stale write should not populate cache")
	}

	obs2 := cc.SnapshotGen(ctx, k)
	if obs2 != 1 {
		t.Fatalf("SnapshotGen after invalidate expected 1, got %d", obs2)
	}
	if err := cc.SetWithGen(ctx, k, v, obs2, 0); err != nil {
		t.Fatalf("SetWithGen (fresh): %v", err)
	}
	if got, ok, err := cc.Get(ctx, k); err != nil || !ok || got != v {
		t.Fatalf("Get after fresh set: ok=%v err=%v got=%v", ok, err, got)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "flatblock", newMemProvider(), nil)
	for i := 0; i < 3; i++ {
		if err := cc.Invalidate(ctx, "never-cached"); err != nil {
			t.Fatalf("Invalidate #%d: %v", i, err)
		}
	}
	if _, ok, _ := cc.Get(ctx, "never-cached"); ok {
		t.Fatalf("expected miss")
	}
}

func TestDisabledCacheIsAlwaysMiss(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, func(o *Options[block]) { o.Disabled = true })

	if cc.Enabled() {
		t.Fatalf("expected disabled")
	}
	if err := cc.SetWithGen(ctx, "a", block{Slug: "a"}, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cc.Get(ctx, "a"); ok {
		t.Fatalf("disabled cache must miss")
	}
	_, missing, _ := cc.GetBulk(ctx, []string{"b", "a", "a"})
	if len(missing) != 2 {
		t.Fatalf("expected 2 unique missing, got %v", missing)
	}
	if len(mp.keysWithPrefix("")) != 0 {
		t.Fatalf("disabled cache must not write")
	}
}

// ==============================
// Self-heal tests (corruption/gen mismatch)
// ==============================

type recordingHooks struct {
	NopHooks
	mu       sync.Mutex
	selfHeal []string
	bulkRej  []string
	outages  int
	localGen int
}

func (h *recordingHooks) SelfHealSingle(_ string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selfHeal = append(h.selfHeal, reason)
}

func (h *recordingHooks) BulkRejected(_ string, _ int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bulkRej = append(h.bulkRej, reason)
}

func (h *recordingHooks) InvalidateOutage(string, error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outages++
}

func (h *recordingHooks) LocalGenWithBulk() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.localGen++
}

// TestSelfHealOnCorrupt ensures corrupt provider bytes are deleted and missed,
// and that a valid-but-stale single is rejected and removed.
func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordingHooks{}
	cc := newTestCache(t, "flatblock", mp, func(o *Options[block]) { o.Hooks = hooks })

	impl := mustImpl(t, cc)

	k := "bad"
	storageKey := impl.singleKey(k)

	if ok, err := mp.Set(ctx, storageKey, []byte("not-wire-format"), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get on corrupt should miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mp.Get(ctx, storageKey); ok {
		t.Fatalf("corrupt entry was not deleted by self-heal")
	}

	// valid frame at gen=0, then bump generation to make it stale
	payload, err := codec.JSON[block]{}.Encode(block{Slug: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ok, err := mp.Set(ctx, storageKey, wire.EncodeSingle(0, payload), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject valid stale: ok=%v err=%v", ok, err)
	}
	_, _ = impl.bumpGen(ctx, storageKey)

	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get on stale single should miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mp.Get(ctx, storageKey); ok {
		t.Fatalf("stale entry was not deleted by self-heal")
	}

	// undecodable payload inside a valid frame
	cur := cc.SnapshotGen(ctx, k)
	if ok, err := mp.Set(ctx, storageKey, wire.EncodeSingle(cur, []byte("{")), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject bad payload: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatalf("Get on undecodable payload should miss")
	}

	want := []string{"corrupt", "gen_mismatch", "value_decode"}
	if strings.Join(hooks.selfHeal, ",") != strings.Join(want, ",") {
		t.Fatalf("self-heal reasons = %v, want %v", hooks.selfHeal, want)
	}
}

// ==============================
// Bulk behavior tests
// ==============================

// TestBulkHappyAndStale validates bulk read, then invalidation of one member causes
// bulk rejection and fallback to singles with missing reported for the invalidated key.
func TestBulkHappyAndStale(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordingHooks{}
	cc := newTestCache(t, "flatblock", mp, func(o *Options[block]) { o.Hooks = hooks })

	keys := []string{"about", "contact", "footer"}
	items := map[string]block{
		"about":   {Slug: "about"},
		"contact": {Slug: "contact"},
		"footer":  {Slug: "footer"},
	}

	snap := cc.SnapshotGens(ctx, keys)
	if err := cc.SetBulkWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetBulkWithGens: %v", err)
	}

	got, missing, err := cc.GetBulk(ctx, keys)
	if err != nil {
		t.Fatalf("GetBulk: %v", err)
	}
	if len(missing) != 0 || len(got) != len(items) {
		t.Fatalf("GetBulk expected all hit, missing=%v got=%v", missing, got)
	}

	if err := cc.Invalidate(ctx, "contact"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	got2, missing2, err := cc.GetBulk(ctx, keys)
	if err != nil {
		t.Fatalf("GetBulk after invalidate: %v", err)
	}
	if len(missing2) != 1 || missing2[0] != "contact" {
		t.Fatalf("expected only 'contact' missing, got %v", missing2)
	}
	if _, ok := got2["about"]; !ok {
		t.Fatalf("expected 'about' present after bulk rejection")
	}
	if _, ok := got2["footer"]; !ok {
		t.Fatalf("expected 'footer' present after bulk rejection")
	}

	if left := mp.keysWithPrefix("site:bulk:flatblock:"); len(left) != 0 {
		t.Fatalf("stale bulk should have been deleted, found %v", left)
	}
	if len(hooks.bulkRej) != 1 || hooks.bulkRej[0] != "invalid_or_stale" {
		t.Fatalf("expected one invalid_or_stale rejection, got %v", hooks.bulkRej)
	}
	if hooks.localGen != 1 {
		t.Fatalf("expected LocalGenWithBulk once at construction, got %d", hooks.localGen)
	}
}

// TestBulkDisabled ensures that when bulk is disabled, no bulk keys are written
// and GetBulk falls back to singles.
func TestBulkDisabled(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, func(o *Options[block]) {
		o.DisableBulk = true
	})

	keys := []string{"x", "y"}
	items := map[string]block{
		"x": {Slug: "x"},
		"y": {Slug: "y"},
	}
	snap := cc.SnapshotGens(ctx, keys)

	if err := cc.SetBulkWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetBulkWithGens (bulk disabled): %v", err)
	}

	got, missing, err := cc.GetBulk(ctx, keys)
	if err != nil {
		t.Fatalf("GetBulk (bulk disabled): %v", err)
	}
	if len(missing) != 0 || len(got) != 2 {
		t.Fatalf("GetBulk (bulk disabled) expected all present, missing=%v got=%v", missing, got)
	}
	if left := mp.keysWithPrefix("site:bulk:"); len(left) != 0 {
		t.Fatalf("bulk disabled but found bulk keys %v", left)
	}
}

// Same set, different order and duplicates -> same bulk key, bulk hit.
func TestBulkOrderAndDuplicateInsensitiveHit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)
	impl := mustImpl(t, cc)

	items := map[string]block{
		"u1": {Slug: "u1"},
		"u3": {Slug: "u3"},
		"u4": {Slug: "u4"},
	}
	snap := cc.SnapshotGens(ctx, []string{"u1", "u3", "u4"})
	if err := cc.SetBulkWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetBulkWithGens: %v", err)
	}

	// remove singles so GetBulk must rely on the bulk entry
	for k := range items {
		_ = mp.Del(ctx, impl.singleKey(k))
	}

	got, missing, err := cc.GetBulk(ctx, []string{"u3", "u1", "u4", "u3"})
	if err != nil {
		t.Fatalf("GetBulk: %v", err)
	}
	if len(missing) != 0 || len(got) != 3 {
		t.Fatalf("expected 3 hits and no missing, got=%v missing=%v", got, missing)
	}
	if len(mp.keysWithPrefix("site:bulk:flatblock:")) != 1 {
		t.Fatalf("expected bulk entry to remain after valid hit")
	}
	// singles were re-seeded from the bulk
	if _, ok, _ := cc.Get(ctx, "u1"); !ok {
		t.Fatalf("expected single warmup from bulk hit")
	}
}

func TestBulkKeyCanonicalization(t *testing.T) {
	cc := newTestCache(t, "flatblock", newMemProvider(), nil)
	impl := mustImpl(t, cc)

	k1 := impl.bulkKeySorted(uniqSorted([]string{"u3", "u1", "u4"}))
	k2 := impl.bulkKeySorted(uniqSorted([]string{"u1", "u3", "u3", "u4"}))
	if k1 != k2 {
		t.Fatalf("bulk keys differ for equivalent sets: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "site:bulk:flatblock:") {
		t.Fatalf("unexpected bulk key %q", k1)
	}
}

func TestSetBulkSkipsWhenGenMoved(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)

	items := map[string]block{"a": {Slug: "a"}, "b": {Slug: "b"}}
	snap := cc.SnapshotGens(ctx, []string{"a", "b"})
	if err := cc.Invalidate(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := cc.SetBulkWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetBulkWithGens: %v", err)
	}
	if len(mp.keysWithPrefix("site:bulk:")) != 0 {
		t.Fatalf("bulk must not be written with a stale member")
	}
	if _, ok, _ := cc.Get(ctx, "a"); !ok {
		t.Fatalf("fresh member should still be seeded as a single")
	}
	if _, ok, _ := cc.Get(ctx, "b"); ok {
		t.Fatalf("stale member must not be seeded")
	}
}

func TestSelfHealOnGenMismatchSingle(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, nil)

	impl := mustImpl(t, cc)
	k := "gen-mismatch"
	storageKey := impl.singleKey(k)

	payload, err := codec.JSON[block]{}.Encode(block{Slug: k})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// gen=1 frame while the store has never been bumped (snapshot=0)
	if ok, err := mp.Set(ctx, storageKey, wire.EncodeSingle(1, payload), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject single: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("expected miss on gen mismatch, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mp.Get(ctx, storageKey); ok {
		t.Fatalf("gen-mismatch single was not deleted by self-heal")
	}
}

func TestBulkValidTable(t *testing.T) {
	ctx := context.Background()

	newImpl := func(t *testing.T) *cache[block] {
		t.Helper()
		return mustImpl(t, newTestCache(t, "flatblock", newMemProvider(), nil))
	}
	bumpTo := func(impl *cache[block], ukey string, n uint64) {
		sk := impl.singleKey(ukey)
		for i := uint64(0); i < n; i++ {
			_, _ = impl.bumpGen(ctx, sk)
		}
	}

	cases := []struct {
		name  string
		keys  []string
		items []wire.BulkItem
		want  bool
	}{
		{
			name: "valid_all_members_fresh",
			keys: []string{"a", "b", "c"},
			items: []wire.BulkItem{
				{Key: "a", Gen: 1}, {Key: "b", Gen: 1}, {Key: "c", Gen: 1},
			},
			want: true,
		},
		{
			name: "missing_member_in_bulk",
			keys: []string{"a", "b", "c"},
			items: []wire.BulkItem{
				{Key: "a", Gen: 1}, {Key: "c", Gen: 1},
			},
			want: false,
		},
		{
			name: "stale_member_gen_mismatch",
			keys: []string{"a", "b", "c"},
			items: []wire.BulkItem{
				{Key: "a", Gen: 1}, {Key: "b", Gen: 0}, {Key: "c", Gen: 1},
			},
			want: false,
		},
		{
			name: "extra_member_ignored",
			keys: []string{"a", "b"},
			items: []wire.BulkItem{
				{Key: "a", Gen: 1}, {Key: "b", Gen: 1}, {Key: "z", Gen: 999},
			},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			impl := newImpl(t)
			for _, k := range tc.keys {
				bumpTo(impl, k, 1)
			}
			cur, err := impl.gen.SnapshotMany(ctx, impl.singleKeys(tc.keys))
			if err != nil {
				t.Fatalf("SnapshotMany: %v", err)
			}
			if got := impl.bulkValid(tc.keys, tc.items, cur); got != tc.want {
				t.Fatalf("bulkValid = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnapshotGensBehavior(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "flatblock", newMemProvider(), nil)
	impl := mustImpl(t, cc)

	if got := cc.SnapshotGens(ctx, nil); len(got) != 0 {
		t.Fatalf("empty: expected empty map, got %v", got)
	}

	_, _ = impl.bumpGen(ctx, impl.singleKey("m1"))
	for i := 0; i < 3; i++ {
		_, _ = impl.bumpGen(ctx, impl.singleKey("m3"))
	}
	got := cc.SnapshotGens(ctx, []string{"m1", "m2", "m3", "m1"})
	want := map[string]uint64{"m1": 1, "m2": 0, "m3": 3}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

// ==============================
// Invalidate edge cases (backend outage)
// ==============================

type failingGenStore struct {
	bumpErr error
	snapErr error
}

func (s *failingGenStore) Snapshot(context.Context, string) (uint64, error) { return 0, s.snapErr }
func (s *failingGenStore) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	if s.snapErr != nil {
		return nil, s.snapErr
	}
	return map[string]uint64{}, nil
}
func (s *failingGenStore) Bump(context.Context, string) (uint64, error) { return 0, s.bumpErr }
func (s *failingGenStore) Cleanup(time.Duration)                        {}
func (s *failingGenStore) Close(context.Context) error                  { return nil }

type delErrProvider struct {
	*memProvider
	err error
}

var _ provider.Provider = (*delErrProvider)(nil)

func (p *delErrProvider) Del(context.Context, string) error { return p.err }

func TestInvalidateBothFailReturnsError(t *testing.T) {
	ctx := context.Background()
	sentinelDelErr := errors.New("del failed")
	hooks := &recordingHooks{}

	cc := newTestCache(t, "flatblock", &delErrProvider{memProvider: newMemProvider(), err: sentinelDelErr}, func(o *Options[block]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
		o.Hooks = hooks
	})

	err := cc.Invalidate(ctx, "k1")
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidateError, got %T: %v", err, err)
	}
	if ie.Namespace != "flatblock" || ie.Key != "k1" {
		t.Fatalf("expected namespace and user key in error, got %q %q", ie.Namespace, ie.Key)
	}
	if !errors.Is(err, sentinelDelErr) {
		t.Fatalf("expected errors.Is(err, delErr) to be true")
	}
	if hooks.outages != 1 {
		t.Fatalf("expected InvalidateOutage hook, got %d", hooks.outages)
	}
}

func TestInvalidateBumpFailDeleteOKNoError(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "flatblock", newMemProvider(), func(o *Options[block]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
	})
	if err := cc.Invalidate(ctx, "k2"); err != nil {
		t.Fatalf("expected no error when bump fails but delete succeeds; got %v", err)
	}
}

func TestInvalidateBumpOKDeleteFailNoError(t *testing.T) {
	ctx := context.Background()
	mp := &delErrProvider{memProvider: newMemProvider(), err: errors.New("del failed")}
	cc := newTestCache(t, "flatblock", mp, nil)
	if err := cc.Invalidate(ctx, "k3"); err != nil {
		t.Fatalf("expected no error when delete fails but bump succeeds; got %v", err)
	}
}

// With the generation store down, reads miss and fills are skipped.
func TestSnapshotErrorDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "flatblock", mp, func(o *Options[block]) {
		o.GenStore = &failingGenStore{snapErr: errors.New("gen store down")}
	})
	if err := cc.SetWithGen(ctx, "a", block{Slug: "a"}, 0, 0); err != nil {
		t.Fatalf("SetWithGen should not fail: %v", err)
	}
	if len(mp.keysWithPrefix("")) != 0 {
		t.Fatalf("fill must be skipped when the generation cannot be read")
	}
	if _, ok, err := cc.Get(ctx, "a"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}
