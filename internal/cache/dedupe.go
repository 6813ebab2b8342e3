// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package cache provides a bounded TTL cache used for message
// deduplication and short-lived lookaside state.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the recency list.
type entry struct {
	key       string
	seenAt    time.Time
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// DedupeCache is a thread-safe LRU set with per-entry TTL. Lookups,
// inserts, and eviction are O(1). Expired entries are dropped lazily on
// access; CleanupExpired sweeps the rest.
type DedupeCache struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration

	items map[string]*entry

	// head.next is most recently seen, tail.prev least recently seen.
	head *entry
	tail *entry

	hits   int64
	misses int64
}

// NewDedupeCache creates a cache bounded to capacity entries, each kept
// for at most ttl. Non-positive arguments fall back to 10000 entries
// and 5 minutes.
func NewDedupeCache(capacity int, ttl time.Duration) *DedupeCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &DedupeCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Seen reports whether key was recorded within the TTL, and records it
// if not. The first call for a key returns false, replays return true
// until the entry expires or is evicted.
func (c *DedupeCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if e, ok := c.items[key]; ok {
		if !now.After(e.expiresAt) {
			c.moveToFront(e)
			c.hits++
			return true
		}
		c.remove(e)
	}

	e := &entry{
		key:       key,
		seenAt:    now,
		expiresAt: now.Add(c.ttl),
	}
	c.addToFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		c.evictOldest()
	}

	c.misses++
	return false
}

// Contains reports whether key is present and unexpired without
// recording it or refreshing its recency.
func (c *DedupeCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.items[key]; ok {
		return !time.Now().After(e.expiresAt)
	}
	return false
}

// Remove drops key from the cache. Returns true if it was present.
func (c *DedupeCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.remove(e)
		return true
	}
	return false
}

// Len returns the current number of entries, expired or not.
func (c *DedupeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear drops every entry.
func (c *DedupeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// CleanupExpired removes all expired entries and returns how many were
// dropped.
func (c *DedupeCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0

	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.remove(e)
			removed++
		}
		e = prev
	}

	return removed
}

// Stats returns hit/miss counters and the current size.
func (c *DedupeCache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.items)
}

// List manipulation below requires the write lock.

func (c *DedupeCache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *DedupeCache) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *DedupeCache) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *DedupeCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.remove(oldest)
}
