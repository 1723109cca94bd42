package provider

import (
	"context"
	"time"
)

// Nop stores nothing. Every Get misses and every Set is rejected.
// It backs CACHE_PROVIDER=none.
type Nop struct{}

var _ Provider = Nop{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Nop) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, nil
}

func (Nop) Del(context.Context, string) error { return nil }
func (Nop) Close(context.Context) error       { return nil }
