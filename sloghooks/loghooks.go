// Package sloghooks reports cache hook events through log/slog, tagged with
// the content kind and slug the event concerns.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/cache"
)

type Options struct {
	// Prefix is the cache key prefix the Store was built with. It is
	// stripped before a storage key is split into kind and slug.
	Prefix string

	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	BulkRejectEvery uint64

	// Redact maps slugs before logging. nil logs them unchanged; slugs are
	// already public in lookup URLs. Use Hash where they are not.
	Redact func(string) string
}

// Hash is a Redact func that logs the first 8 bytes of sha256(slug).
func Hash(slug string) string {
	sum := sha256.Sum256([]byte(slug))
	return hex.EncodeToString(sum[:8])
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	bulkRejectCtr atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

// entryAttrs describes a storage key: "<prefix><kind>:<slug>" for a single
// entry, "<prefix>bulk:<kind>:<hash>" for a bulk entry.
func (h *Hooks) entryAttrs(storageKey string) []any {
	rest := strings.TrimPrefix(storageKey, h.opts.Prefix)
	if b, ok := strings.CutPrefix(rest, "bulk:"); ok {
		kind, hash, _ := strings.Cut(b, ":")
		return []any{"kind", kind, "bulk", hash}
	}
	kind, slug, ok := strings.Cut(rest, ":")
	if !ok {
		return []any{"key", h.redact(rest)}
	}
	return []any{"kind", kind, "slug", h.redact(slug)}
}

func (h *Hooks) redact(slug string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(slug)
	}
	return slug
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHealSingle(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("dropped unreadable cache entry", append(h.entryAttrs(storageKey), "reason", reason)...)
}

func (h *Hooks) BulkRejected(ns string, requested int, reason string) {
	if h.l == nil || !sample(h.opts.BulkRejectEvery, &h.bulkRejectCtr) {
		return
	}
	h.l.Info("bulk lookup fell back to single entries", "kind", ns, "slugs", requested, "reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string, _ bool) {
	if h.l == nil {
		return
	}
	h.l.Warn("cache backend refused entry", h.entryAttrs(storageKey)...)
}

func (h *Hooks) GenSnapshotError(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("generation lookup failed, reading from database", "slugs", count, "err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("generation bump failed, entry deleted only", append(h.entryAttrs(storageKey), "err", err)...)
}

func (h *Hooks) InvalidateOutage(storageKey string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	attrs := append(h.entryAttrs(storageKey), "bump_err", bumpErr, "del_err", delErr)
	h.l.Error("invalidation failed, stale content possible until TTL", attrs...)
}

func (h *Hooks) LocalGenWithBulk() {
	if h.l == nil {
		return
	}
	h.l.Warn("bulk entries use process-local generations; replicas may serve stale blocks",
		"kind", string(flatblocks.KindFlatBlock))
}
