// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestSeenRecordsFirstOccurrence(t *testing.T) {
	c := NewDedupeCache(16, time.Minute)

	if c.Seen("printer-1:42") {
		t.Error("first occurrence reported as seen")
	}
	if !c.Seen("printer-1:42") {
		t.Error("replay not reported as seen")
	}
	if c.Seen("printer-1:43") {
		t.Error("distinct key reported as seen")
	}
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := NewDedupeCache(16, 10*time.Millisecond)

	c.Seen("key")
	time.Sleep(30 * time.Millisecond)

	if c.Contains("key") {
		t.Error("Contains returned true for expired entry")
	}
	if c.Seen("key") {
		t.Error("expired entry still reported as seen")
	}
}

func TestEvictionBoundsSize(t *testing.T) {
	c := NewDedupeCache(4, time.Minute)

	for i := 0; i < 10; i++ {
		c.Seen(fmt.Sprintf("key-%d", i))
	}

	if got := c.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}

	// Oldest keys are gone, newest survive.
	if c.Contains("key-0") {
		t.Error("oldest key survived eviction")
	}
	if !c.Contains("key-9") {
		t.Error("newest key was evicted")
	}
}

func TestSeenRefreshesRecency(t *testing.T) {
	c := NewDedupeCache(2, time.Minute)

	c.Seen("a")
	c.Seen("b")
	c.Seen("a") // a becomes most recent
	c.Seen("c") // evicts b

	if !c.Contains("a") {
		t.Error("refreshed key was evicted")
	}
	if c.Contains("b") {
		t.Error("least recently seen key survived")
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := NewDedupeCache(16, time.Minute)

	c.Seen("a")
	c.Seen("b")

	if !c.Remove("a") {
		t.Error("Remove returned false for present key")
	}
	if c.Remove("a") {
		t.Error("Remove returned true for absent key")
	}

	c.Clear()
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after Clear = %d, want 0", got)
	}
}

func TestCleanupExpired(t *testing.T) {
	c := NewDedupeCache(16, 10*time.Millisecond)

	c.Seen("a")
	c.Seen("b")
	time.Sleep(30 * time.Millisecond)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}

func TestStats(t *testing.T) {
	c := NewDedupeCache(16, time.Minute)

	c.Seen("a") // miss
	c.Seen("a") // hit
	c.Seen("b") // miss

	hits, misses, size := c.Stats()
	if hits != 1 || misses != 2 || size != 2 {
		t.Errorf("Stats() = (%d, %d, %d), want (1, 2, 2)", hits, misses, size)
	}
}
