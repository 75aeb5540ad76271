package redisdb

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"poolrelay/internal/application"
)

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSequencer(client, "test:nonce")
}

func TestInitializeTakesMaxOfChainAndPersisted(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	value, err := seq.Initialize(ctx, 10)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if value != 10 {
		t.Errorf("expected counter 10, got %d", value)
	}

	// Stale chain nonce must not rewind the counter.
	value, err = seq.Initialize(ctx, 5)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if value != 10 {
		t.Errorf("expected counter to stay at 10, got %d", value)
	}

	// Chain ahead of persisted state moves the counter forward.
	value, err = seq.Initialize(ctx, 42)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if value != 42 {
		t.Errorf("expected counter 42, got %d", value)
	}
}

func TestAllocateReturnsSequentialValues(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	if _, err := seq.Initialize(ctx, 7); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	for want := uint64(7); want < 10; want++ {
		got, err := seq.Allocate(ctx)
		if err != nil {
			t.Fatalf("allocate failed: %v", err)
		}
		if got != want {
			t.Errorf("expected nonce %d, got %d", want, got)
		}
	}
}

func TestConcurrentAllocateYieldsUniqueContiguousRange(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	const workers = 32
	if _, err := seq.Initialize(ctx, 100); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	results := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			value, err := seq.Allocate(ctx)
			if err != nil {
				t.Errorf("allocate failed: %v", err)
				return
			}
			results[slot] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a] < results[b] })
	for i, value := range results {
		if value != 100+uint64(i) {
			t.Fatalf("expected contiguous range from 100, got %v", results)
		}
	}
}

func TestReclaimOnlyLatestAllocation(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	if _, err := seq.Initialize(ctx, 7); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	first, err := seq.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := seq.Reclaim(ctx, first); err != nil {
		t.Fatalf("reclaim of latest allocation failed: %v", err)
	}
	again, err := seq.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if again != first {
		t.Errorf("expected reclaimed nonce %d to be reissued, got %d", first, again)
	}
}

func TestReclaimRefusedAfterNewerAllocation(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	if _, err := seq.Initialize(ctx, 7); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	k, err := seq.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if _, err := seq.Allocate(ctx); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	err = seq.Reclaim(ctx, k)
	if !errors.Is(err, application.ErrReclaimRefused) {
		t.Fatalf("expected ErrReclaimRefused, got %v", err)
	}
	current, err := seq.Current(ctx)
	if err != nil {
		t.Fatalf("current failed: %v", err)
	}
	if current != k+2 {
		t.Errorf("expected counter unchanged at %d, got %d", k+2, current)
	}
}

func TestResyncForcesCounter(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	if _, err := seq.Initialize(ctx, 50); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := seq.Resync(ctx, 3); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	current, err := seq.Current(ctx)
	if err != nil {
		t.Fatalf("current failed: %v", err)
	}
	if current != 3 {
		t.Errorf("expected counter 3 after resync, got %d", current)
	}
}

func TestDedupAdmitsOncePerWindow(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dedup := NewDedup(client, time.Minute)
	ctx := context.Background()

	first, err := dedup.Admit(ctx, "key-1")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !first {
		t.Error("expected first admission to succeed")
	}
	second, err := dedup.Admit(ctx, "key-1")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if second {
		t.Error("expected duplicate admission to be refused")
	}

	if err := dedup.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	third, err := dedup.Admit(ctx, "key-1")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !third {
		t.Error("expected admission after release to succeed")
	}
}
