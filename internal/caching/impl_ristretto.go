// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/rooms"
)

const (
	roomSnapshotsCache byte = iota + 1
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// Caches holds the client-side caches. Partitions share one ristretto
// instance and are told apart by a key prefix.
type Caches struct {
	RoomSnapshots    Cache[id.RoomID, *rooms.Snapshot]
	SnapshotFailures *cache.Cache
}

// Cache is the subset of the ristretto partition used by callers.
type Cache[K keyable, V any] interface {
	Get(key K) (value V, ok bool)
	Set(key K, value V)
	Unset(key K)
}

type keyable interface {
	~string
}

// NewRistrettoCache returns caches bounded to maxCost bytes, with entries
// living at most maxAge. Snapshot failures are remembered for failureTTL.
func NewRistrettoCache(maxCost int64, maxAge, failureTTL time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max((maxCost/1024)*10, 1000), // 10 counters per 1KB of data
		BufferItems: 64,
		MaxCost:     maxCost,
		Metrics:     true,
	})
	if err != nil {
		logrus.WithError(err).Panic("failed to create ristretto cache")
	}
	if enablePrometheus {
		registerCacheMetrics(cache)
	}
	return &Caches{
		RoomSnapshots: &RistrettoCachePartition[id.RoomID, *rooms.Snapshot]{
			cache:   cache,
			Prefix:  roomSnapshotsCache,
			Mutable: true,
			MaxAge:  maxAge,
			Cost:    snapshotCost,
		},
		SnapshotFailures: newFailureCache(failureTTL),
	}
}

func registerCacheMetrics(c *ristretto.Cache) {
	for name, value := range map[string]func() uint64{
		"hits":    c.Metrics.Hits,
		"misses":  c.Metrics.Misses,
		"evicted": c.Metrics.KeysEvicted,
	} {
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "retrix",
			Subsystem: "caching_ristretto",
			Name:      name,
		}, func() float64 { return float64(value()) })
		if err := prometheus.Register(collector); err != nil {
			logrus.WithError(err).WithField("metric", name).Debug("Cache metric already registered")
		}
	}
}

func newFailureCache(ttl time.Duration) *cache.Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return cache.New(ttl, 2*ttl)
}

// RistrettoCachePartition is one typed view onto a shared ristretto cache.
type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
	// Cost estimates the size of a value in bytes. A nil Cost charges 1.
	Cost func(V) int64
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return string(c.Prefix) + string(key)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	bkey := c.key(key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", key, v, value))
		}
	}
	cost := int64(1)
	if c.Cost != nil {
		cost = c.Cost(value)
	}
	c.cache.SetWithTTL(bkey, value, cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := c.key(key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

// snapshotCost approximates the memory held by a snapshot.
func snapshotCost(s *rooms.Snapshot) int64 {
	if s == nil {
		return 1
	}
	cost := 64 + len(s.RoomID) + len(s.Name) + len(s.Topic) + len(s.Alias) +
		len(s.AvatarURL) + len(s.Membership) + len(s.DirectPeer) + len(s.LastCursor)
	if s.Tombstone != nil {
		cost += len(s.Tombstone.ReplacementRoom) + len(s.Tombstone.Body)
	}
	return int64(cost)
}
