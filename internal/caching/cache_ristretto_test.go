// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/rooms"
)

// =============================================================================
// Helper Functions
// =============================================================================

func createTestCache(t *testing.T, maxAge, failureTTL time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(1024*1024, maxAge, failureTTL, DisableMetrics)
}

func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, time.Hour, time.Minute)
}

// waitForCacheProcessing waits for ristretto to apply buffered writes.
func waitForCacheProcessing(t *testing.T, c *Caches) {
	t.Helper()
	if p, ok := c.RoomSnapshots.(*RistrettoCachePartition[id.RoomID, *rooms.Snapshot]); ok {
		p.cache.Wait()
	}
}

func testSnapshot(roomID id.RoomID, name string) *rooms.Snapshot {
	return &rooms.Snapshot{
		RoomID:     roomID,
		Name:       name,
		Topic:      "topic",
		Alias:      "#alias:test",
		Membership: "join",
	}
}

// =============================================================================
// Room Snapshot Cache
// =============================================================================

func TestCaches_RoomSnapshot_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	snap := testSnapshot("!room:test", "Lobby")

	cache.StoreRoomSnapshot(snap)
	waitForCacheProcessing(t, cache)

	retrieved, ok := cache.GetRoomSnapshot("!room:test")
	require.True(t, ok)
	assert.Equal(t, snap, retrieved)
}

func TestCaches_RoomSnapshot_MissingReturnsFalse(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	retrieved, ok := cache.GetRoomSnapshot("!nonexistent:test")
	assert.False(t, ok)
	assert.Nil(t, retrieved)
}

func TestCaches_RoomSnapshot_MutableAllowsUpdates(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomSnapshot(testSnapshot("!room:test", "Old"))
	waitForCacheProcessing(t, cache)

	assert.NotPanics(t, func() {
		cache.StoreRoomSnapshot(testSnapshot("!room:test", "New"))
		waitForCacheProcessing(t, cache)
	})

	retrieved, ok := cache.GetRoomSnapshot("!room:test")
	require.True(t, ok)
	assert.Equal(t, "New", retrieved.Name)
}

func TestCaches_RoomSnapshot_EvictRemovesSnapshot(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomSnapshot(testSnapshot("!room:test", "Lobby"))
	waitForCacheProcessing(t, cache)
	_, ok := cache.GetRoomSnapshot("!room:test")
	require.True(t, ok)

	cache.EvictRoomSnapshot("!room:test")
	waitForCacheProcessing(t, cache)

	_, ok = cache.GetRoomSnapshot("!room:test")
	assert.False(t, ok)
}

func TestCaches_RoomSnapshot_ExpiresAfterMaxAge(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 50*time.Millisecond, time.Minute)

	cache.StoreRoomSnapshot(testSnapshot("!room:test", "Lobby"))
	waitForCacheProcessing(t, cache)

	require.Eventually(t, func() bool {
		_, found := cache.GetRoomSnapshot("!room:test")
		return !found
	}, time.Second, 10*time.Millisecond, "snapshot should have expired after MaxAge")
}

// =============================================================================
// Snapshot Failure Cache
// =============================================================================

func TestCaches_SnapshotFailure_StoreAndCheck(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	assert.False(t, cache.GetRoomSnapshotFailure("!room:test"))
	cache.StoreRoomSnapshotFailure("!room:test")
	assert.True(t, cache.GetRoomSnapshotFailure("!room:test"))
	assert.False(t, cache.GetRoomSnapshotFailure("!other:test"))
}

func TestCaches_SnapshotFailure_ClearedBySuccessfulStore(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomSnapshotFailure("!room:test")
	cache.StoreRoomSnapshot(testSnapshot("!room:test", "Lobby"))

	assert.False(t, cache.GetRoomSnapshotFailure("!room:test"))
}

func TestCaches_SnapshotFailure_Expires(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, time.Hour, 20*time.Millisecond)

	cache.StoreRoomSnapshotFailure("!room:test")
	require.Eventually(t, func() bool {
		return !cache.GetRoomSnapshotFailure("!room:test")
	}, time.Second, 10*time.Millisecond)
}

// =============================================================================
// Partition Behaviour
// =============================================================================

func newTestPartition(t *testing.T, prefix byte, mutable bool) *RistrettoCachePartition[string, string] {
	t.Helper()
	rc, err := ristretto.NewCache(&ristretto.Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	require.NoError(t, err)
	return &RistrettoCachePartition[string, string]{cache: rc, Prefix: prefix, Mutable: mutable, MaxAge: time.Hour}
}

func TestRistrettoCachePartition_ImmutableCache_PanicsOnValueChange(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 1, false)
	p.Set("key", "a")
	p.cache.Wait()

	assert.NotPanics(t, func() { p.Set("key", "a") }, "setting the same value is allowed")
	assert.Panics(t, func() { p.Set("key", "b") })
	assert.Panics(t, func() { p.Unset("key") })
}

func TestRistrettoCachePartition_DifferentPrefixes_IsolateCaches(t *testing.T) {
	t.Parallel()

	a := newTestPartition(t, 1, true)
	b := &RistrettoCachePartition[string, string]{cache: a.cache, Prefix: 2, Mutable: true, MaxAge: time.Hour}

	a.Set("key", "from a")
	b.Set("key", "from b")
	a.cache.Wait()

	va, ok := a.Get("key")
	require.True(t, ok)
	vb, ok := b.Get("key")
	require.True(t, ok)
	assert.Equal(t, "from a", va)
	assert.Equal(t, "from b", vb)
}

func TestSnapshotCost(t *testing.T) {
	t.Parallel()

	small := snapshotCost(&rooms.Snapshot{RoomID: "!a:test"})
	large := snapshotCost(&rooms.Snapshot{RoomID: "!a:test", Topic: string(make([]byte, 500))})
	assert.Greater(t, large, small)
	assert.Equal(t, int64(1), snapshotCost(nil))
}

// =============================================================================
// NewRistrettoCache Configuration Tests
// =============================================================================

func TestNewRistrettoCache_WithMetrics_DoesNotPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		require.NotNil(t, NewRistrettoCache(1024*1024, time.Hour, time.Minute, EnableMetrics))
		require.NotNil(t, NewRistrettoCache(1024*1024, time.Hour, time.Minute, EnableMetrics))
	})
}

func TestNewRistrettoCache_SmallMaxCost_Works(t *testing.T) {
	t.Parallel()

	cache := NewRistrettoCache(1024, 10*time.Minute, time.Minute, DisableMetrics)

	cache.StoreRoomSnapshot(testSnapshot("!room:test", "Lobby"))
	waitForCacheProcessing(t, cache)

	_, ok := cache.GetRoomSnapshot("!room:test")
	assert.True(t, ok)
}
