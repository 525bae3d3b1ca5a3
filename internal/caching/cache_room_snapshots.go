// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/patrickmn/go-cache"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/rooms"
)

// RoomSnapshotCache caches room snapshots fetched from the homeserver.
type RoomSnapshotCache interface {
	GetRoomSnapshot(roomID id.RoomID) (s *rooms.Snapshot, ok bool)
	StoreRoomSnapshot(s *rooms.Snapshot)
	EvictRoomSnapshot(roomID id.RoomID)
	// GetRoomSnapshotFailure returns true if we've recently failed to fetch a snapshot for this room
	GetRoomSnapshotFailure(roomID id.RoomID) (ok bool)
	// StoreRoomSnapshotFailure marks a room as having failed a snapshot fetch
	StoreRoomSnapshotFailure(roomID id.RoomID)
}

func (c Caches) GetRoomSnapshot(roomID id.RoomID) (s *rooms.Snapshot, ok bool) {
	return c.RoomSnapshots.Get(roomID)
}

func (c Caches) StoreRoomSnapshot(s *rooms.Snapshot) {
	c.RoomSnapshots.Set(s.RoomID, s)
	c.SnapshotFailures.Delete(string(s.RoomID))
}

func (c Caches) EvictRoomSnapshot(roomID id.RoomID) {
	c.RoomSnapshots.Unset(roomID)
}

func (c Caches) GetRoomSnapshotFailure(roomID id.RoomID) (ok bool) {
	_, ok = c.SnapshotFailures.Get(string(roomID))
	return ok
}

func (c Caches) StoreRoomSnapshotFailure(roomID id.RoomID) {
	c.SnapshotFailures.Set(string(roomID), struct{}{}, cache.DefaultExpiration)
}
