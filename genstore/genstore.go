// Package genstore keeps the per-key generation counters that make cache
// fills compare-and-swap safe.
package genstore

import (
	"context"
	"time"
)

// GenStore holds one counter per storage key. Every save of a flat block or
// block set bumps the counter of its key; a cached value is only served while
// the counter it was written under is still current.
//
// Local serves a single process. Replicas sharing a redis provider must share
// generations too, through Redis.
type GenStore interface {
	// Snapshot returns the current generation. Unknown keys are at 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump increments atomically and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup forgets counters idle for longer than retention. Redis relies on key TTLs instead.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
