package genstore

import (
	"context"
	"sync"
	"time"
)

// Defaults for a Local store that nobody configured explicitly.
const (
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 30 * 24 * time.Hour
)

type localEntry struct {
	gen       uint64
	updatedAt time.Time
}

// Local keeps generations in-process. An optional cleanup loop prunes entries
// that have not been bumped within the retention window; a pruned key reads as
// generation 0 again. Entries cached at a higher generation then miss, but an
// entry cached at 0 whose invalidating delete failed would match again, so
// retention must exceed the longest cache TTL.
type Local struct {
	mu     sync.RWMutex
	gens   map[string]localEntry
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*Local)(nil)

// NewLocal starts the cleanup loop when both cleanupInterval and retention are positive.
func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{gens: make(map[string]localEntry)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.gen, nil
}

// SnapshotMany takes the read lock once for all keys.
func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.gens[k]
	e.gen++
	e.updatedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.gen, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if e.updatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

// Close stops the cleanup loop. Safe to call more than once.
func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
