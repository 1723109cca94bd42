package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestNewRequiresTTL(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestProviderRoundTripAndMissingDelete(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{TTL: time.Minute, ExpectedEntries: 64, TypicalEntryBytes: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if _, ok, err := p.Get(ctx, "blockset:sidebar"); err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "blockset:sidebar", []byte("payload"), 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "blockset:sidebar")
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
	if err := p.Del(ctx, "blockset:sidebar"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "blockset:sidebar"); err != nil {
		t.Fatalf("second Del should be a no-op, got %v", err)
	}
}

func TestOversizedBlockRefused(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{TTL: time.Minute, ExpectedEntries: 64, MaxEntryBytes: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "flatblock:terms", bytes.Repeat([]byte("x"), 101), 1, 0)
	if err != nil || ok {
		t.Fatalf("oversized Set: ok=%v err=%v, want refused", ok, err)
	}
	if _, hit, _ := p.Get(ctx, "flatblock:terms"); hit {
		t.Fatal("refused entry must not be stored")
	}
}

// Entries that cannot fit a shard under MaxBytes are refused, not errors.
func TestEntryLargerThanShardRefused(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{TTL: time.Minute, ExpectedEntries: 64, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if p.shardBytes != (1<<20)/1024 {
		t.Fatalf("shardBytes = %d", p.shardBytes)
	}
	ok, err := p.Set(ctx, "flatblock:huge", bytes.Repeat([]byte("x"), p.shardBytes), 1, 0)
	if err != nil || ok {
		t.Fatalf("Set: ok=%v err=%v, want refused", ok, err)
	}
	ok, err = p.Set(ctx, "flatblock:small", []byte("fits"), 1, 0)
	if err != nil || !ok {
		t.Fatalf("Set small: ok=%v err=%v", ok, err)
	}
}
