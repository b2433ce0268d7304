package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process CounterStore. Entries expire lazily on access.
type MemoryStore struct {
	nowFn    func() time.Time
	mutex    sync.Mutex
	counters map[string]*counterEntry
	buckets  map[string]*bucketEntry
	levels   map[string]*levelEntry
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type bucketEntry struct {
	tokens    float64
	updatedAt time.Time
	expiresAt time.Time
}

type levelEntry struct {
	level     float64
	updatedAt time.Time
	expiresAt time.Time
}

// NewMemoryStore wires a MemoryStore around a clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		nowFn:    now,
		counters: make(map[string]*counterEntry),
		buckets:  make(map[string]*bucketEntry),
		levels:   make(map[string]*levelEntry),
	}
}

// Increment adds one to the counter at key.
func (store *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.nowFn()
	entry, found := store.counters[key]
	if !found || now.After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(ttl)}
		store.counters[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// Get returns the live counter at key.
func (store *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, found := store.counters[key]
	if !found || store.nowFn().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

// TakeToken refills and consumes from the bucket at key.
func (store *MemoryStore) TakeToken(_ context.Context, key string, refillPerSecond float64, burst int64, ttl time.Duration) (bool, float64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.nowFn()
	entry, found := store.buckets[key]
	if !found || now.After(entry.expiresAt) {
		entry = &bucketEntry{tokens: float64(burst), updatedAt: now}
		store.buckets[key] = entry
	} else {
		elapsed := now.Sub(entry.updatedAt).Seconds()
		if elapsed > 0 {
			entry.tokens += elapsed * refillPerSecond
			if entry.tokens > float64(burst) {
				entry.tokens = float64(burst)
			}
		}
		entry.updatedAt = now
	}
	entry.expiresAt = now.Add(ttl)
	if entry.tokens < 1 {
		return false, entry.tokens, nil
	}
	entry.tokens--
	return true, entry.tokens, nil
}

// AddLevel leaks and fills the level at key.
func (store *MemoryStore) AddLevel(_ context.Context, key string, leakPerSecond float64, capacity int64, ttl time.Duration) (bool, float64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.nowFn()
	entry, found := store.levels[key]
	if !found || now.After(entry.expiresAt) {
		entry = &levelEntry{updatedAt: now}
		store.levels[key] = entry
	} else {
		elapsed := now.Sub(entry.updatedAt).Seconds()
		if elapsed > 0 {
			entry.level -= elapsed * leakPerSecond
			if entry.level < 0 {
				entry.level = 0
			}
		}
		entry.updatedAt = now
	}
	entry.expiresAt = now.Add(ttl)
	if entry.level+1 > float64(capacity) {
		return false, entry.level, nil
	}
	entry.level++
	return true, entry.level, nil
}
