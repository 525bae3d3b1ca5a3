// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/util"
	"github.com/element-hq/retrix/timeline/storage"
)

// Tombstone records that a room has been replaced by another.
type Tombstone struct {
	ReplacementRoom id.RoomID
	Body            string
}

// Snapshot is the room metadata returned by the room snapshot accessor in a
// single round trip.
type Snapshot struct {
	RoomID     id.RoomID
	Name       string
	Topic      string
	Alias      id.RoomAlias
	AvatarURL  id.ContentURIString
	Tombstone  *Tombstone
	Membership event.Membership
	DirectPeer id.UserID
	// LastCursor is the last pagination token the server handed out for the
	// room, if any. It seeds backfill when the store has no cursor of its own.
	LastCursor string
}

// Entry is the per-room metadata plus its timeline. It holds no presentation
// state; views key their own state by room id.
type Entry struct {
	ID id.RoomID

	// Name is derived from the other fields, see deriveName.
	Name         string
	Topic        string
	Alias        id.RoomAlias
	ExplicitName string
	DirectPeer   id.UserID
	AvatarURL    id.ContentURIString
	Tombstone    *Tombstone
	Membership   event.Membership

	// LastKnownCursor is a server-side pagination token learned outside of
	// backfill, used when the store has no end cursor yet.
	LastKnownCursor string

	Store *storage.EventStore
}

// NewEntry returns an empty entry for roomID.
func NewEntry(roomID id.RoomID) *Entry {
	e := &Entry{
		ID:    roomID,
		Store: storage.NewEventStore(),
	}
	e.deriveName()
	return e
}

// deriveName applies the display-name policy: explicit name, then the
// direct-message peer, then the canonical alias, then the room id.
func (e *Entry) deriveName() {
	switch {
	case e.ExplicitName != "":
		e.Name = e.ExplicitName
	case e.DirectPeer != "":
		e.Name = util.Localpart(e.DirectPeer)
	case e.Alias != "":
		e.Name = string(e.Alias)
	default:
		e.Name = string(e.ID)
	}
}

// SetExplicitName sets the m.room.name value. An empty name clears it.
func (e *Entry) SetExplicitName(name string) {
	e.ExplicitName = name
	e.deriveName()
}

// SetAlias sets the canonical alias.
func (e *Entry) SetAlias(alias id.RoomAlias) {
	e.Alias = alias
	e.deriveName()
}

// SetDirectPeer marks the room as a direct-message room with peer.
func (e *Entry) SetDirectPeer(peer id.UserID) {
	e.DirectPeer = peer
	e.deriveName()
}

// ApplySnapshot replaces the metadata with a freshly fetched snapshot. The
// timeline is left untouched.
func (e *Entry) ApplySnapshot(snap *Snapshot) {
	e.ExplicitName = snap.Name
	e.Topic = snap.Topic
	e.Alias = snap.Alias
	e.AvatarURL = snap.AvatarURL
	e.Tombstone = snap.Tombstone
	e.DirectPeer = snap.DirectPeer
	if snap.Membership != "" {
		e.Membership = snap.Membership
	}
	if e.LastKnownCursor == "" {
		e.LastKnownCursor = snap.LastCursor
	}
	e.deriveName()
}

// MatchesAlias reports whether alias is this room's canonical alias.
func (e *Entry) MatchesAlias(alias id.RoomAlias) bool {
	return e.Alias != "" && util.NormalizeRoomAlias(e.Alias) == util.NormalizeRoomAlias(alias)
}
