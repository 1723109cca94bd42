// Package asynchook moves cache hook calls off the hot path onto a small
// worker pool. Events are dropped when the queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/flatblocks/cache"
)

type Hooks struct {
	inner   cache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

func New(inner cache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHealSingle(k, r string)       { h.try(func() { h.inner.SelfHealSingle(k, r) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) LocalGenWithBulk()                { h.try(func() { h.inner.LocalGenWithBulk() }) }
func (h *Hooks) BulkRejected(ns string, n int, r string) {
	h.try(func() { h.inner.BulkRejected(ns, n, r) })
}
func (h *Hooks) ProviderSetRejected(k string, b bool) {
	h.try(func() { h.inner.ProviderSetRejected(k, b) })
}
func (h *Hooks) GenSnapshotError(n int, err error) {
	h.try(func() { h.inner.GenSnapshotError(n, err) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
