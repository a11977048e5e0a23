package core

import (
	"container/list"

	"github.com/google/uuid"
)

// IdempotencyChecker implements two-tier batch deduplication: an in-memory
// LRU for the hot path and Postgres for the cold path.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(batchID uuid.UUID) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether a batch ID has already been settled.
func (ic *IdempotencyChecker) IsDuplicate(batchID uuid.UUID) bool {
	key := batchID.String()

	if ic.lru.Contains(key) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(batchID)
		if err != nil {
			// Conservative: a DB issue must not block settlement.
			return false
		}
		if isDup {
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed records a settled batch ID in the LRU.
func (ic *IdempotencyChecker) MarkProcessed(batchID uuid.UUID) {
	ic.lru.Add(batchID.String())
}

// Warm preloads recently settled batch IDs into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// Size reports the LRU entry count.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Size()
}

// --- LRU implementation ---

// IdempotencyLRU is an LRU cache of batch IDs.
// Not thread-safe; only accessed from the single-threaded engine.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if a key exists and promotes it to the front.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key, or promotes it if present.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
	}
}

// WarmFromKeys loads recent batch IDs, avoiding cold-path DB lookups
// right after a restart.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		entry := &lruEntry{key: key}
		elem := lru.lruList.PushFront(entry)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}
