package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreIncrementCountsPerKey(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore(nil)

	for expected := int64(1); expected <= 3; expected++ {
		count, err := store.Increment(context.Background(), "key-a", time.Minute)
		if err != nil {
			test.Fatalf("increment: %v", err)
		}
		if count != expected {
			test.Fatalf("expected count %d, got %d", expected, count)
		}
	}
	count, err := store.Increment(context.Background(), "key-b", time.Minute)
	if err != nil {
		test.Fatalf("increment: %v", err)
	}
	if count != 1 {
		test.Fatalf("keys must not share counters, got %d", count)
	}
}

func TestMemoryStoreCounterExpires(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)

	if _, err := store.Increment(context.Background(), "key-a", time.Minute); err != nil {
		test.Fatalf("increment: %v", err)
	}
	clock.Advance(61 * time.Second)

	count, err := store.Get(context.Background(), "key-a")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if count != 0 {
		test.Fatalf("expired counter must read zero, got %d", count)
	}
	count, err = store.Increment(context.Background(), "key-a", time.Minute)
	if err != nil {
		test.Fatalf("increment: %v", err)
	}
	if count != 1 {
		test.Fatalf("expired counter must restart at one, got %d", count)
	}
}

func TestMemoryStoreConcurrentIncrements(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore(nil)

	const workers = 50
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := store.Increment(context.Background(), "shared", time.Minute); err != nil {
				test.Errorf("increment: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	count, err := store.Get(context.Background(), "shared")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if count != workers {
		test.Fatalf("expected %d increments, got %d", workers, count)
	}
}

func TestMemoryStoreTokenBucketCapsAtBurst(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)

	taken, remaining, err := store.TakeToken(context.Background(), "bucket", 1, 5, 2*time.Hour)
	if err != nil {
		test.Fatalf("take: %v", err)
	}
	if !taken || remaining != 4 {
		test.Fatalf("expected take with 4 remaining, got taken=%v remaining=%f", taken, remaining)
	}

	// A long idle period must not refill past the burst cap.
	clock.Advance(time.Hour)
	taken, remaining, err = store.TakeToken(context.Background(), "bucket", 1, 5, 2*time.Hour)
	if err != nil {
		test.Fatalf("take: %v", err)
	}
	if !taken || remaining != 4 {
		test.Fatalf("refill must cap at burst, got taken=%v remaining=%f", taken, remaining)
	}
}

func TestMemoryStoreLevelLeaksTowardZero(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)

	for index := 0; index < 2; index++ {
		admitted, _, err := store.AddLevel(context.Background(), "leaky", 1, 2, time.Minute)
		if err != nil {
			test.Fatalf("add: %v", err)
		}
		if !admitted {
			test.Fatalf("fill %d within capacity must be admitted", index+1)
		}
	}
	admitted, level, err := store.AddLevel(context.Background(), "leaky", 1, 2, time.Minute)
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if admitted {
		test.Fatalf("full level must reject, level %f", level)
	}

	clock.Advance(2 * time.Second)
	admitted, level, err = store.AddLevel(context.Background(), "leaky", 1, 2, time.Minute)
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if !admitted || level != 1 {
		test.Fatalf("leaked level must admit at one, got admitted=%v level=%f", admitted, level)
	}
}
