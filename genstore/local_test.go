package genstore

import (
	"context"
	"testing"
	"time"
)

func TestLocalSnapshotManyIncludesAllAndZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	keys := []string{"flatblock:a", "flatblock:b", "flatblock:c"}
	// bump b twice -> gen=2
	for i := 0; i < 2; i++ {
		if _, err := s.Bump(ctx, "flatblock:b"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SnapshotMany(ctx, keys)
	if err != nil {
		t.Fatal(err)
	}
	if got["flatblock:a"] != 0 || got["flatblock:b"] != 2 || got["flatblock:c"] != 0 {
		t.Fatalf("got=%v want a=0,b=2,c=0", got)
	}
}

func TestLocalSnapshotManyDoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	in := []string{"x", "y"}
	cp := append([]string(nil), in...)
	if _, err := s.SnapshotMany(ctx, in); err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != cp[i] {
			t.Fatalf("input mutated at %d: %q -> %q", i, cp[i], in[i])
		}
	}
}

func TestLocalCleanupPrunesOld(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, time.Second)
	t.Cleanup(func() { _ = s.Close(ctx) })

	if _, err := s.Bump(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1200 * time.Millisecond)
	if _, err := s.Bump(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	s.Cleanup(time.Second)

	if g, _ := s.Snapshot(ctx, "old"); g != 0 {
		t.Fatalf("expected pruned -> 0, got %d", g)
	}
	if g, _ := s.Snapshot(ctx, "fresh"); g != 1 {
		t.Fatalf("expected fresh to survive, got %d", g)
	}
}

func TestLocalCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(10*time.Millisecond, time.Minute)
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
}
