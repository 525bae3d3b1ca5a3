// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// Sorting orders the room list.
type Sorting string

const (
	// SortAlphabetic orders rooms by derived name.
	SortAlphabetic Sorting = "alphabetic"
	// SortRecent orders rooms by last activity, newest first.
	SortRecent Sorting = "recent"
)

// ParseSorting validates a sorting name.
func ParseSorting(s string) (Sorting, error) {
	switch Sorting(strings.ToLower(strings.TrimSpace(s))) {
	case SortAlphabetic:
		return SortAlphabetic, nil
	case SortRecent:
		return SortRecent, nil
	default:
		return "", fmt.Errorf("unknown room sorting %q", s)
	}
}

// Registry maps room ids to entries and tracks the selected room. Entries are
// created on first reference and only removed on leave.
type Registry struct {
	rooms    map[id.RoomID]*Entry
	selected id.RoomID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[id.RoomID]*Entry),
	}
}

// EntryMut returns the entry for roomID, creating an empty one if it is missing.
func (r *Registry) EntryMut(roomID id.RoomID) *Entry {
	entry, ok := r.rooms[roomID]
	if !ok {
		entry = NewEntry(roomID)
		r.rooms[roomID] = entry
		logrus.WithField("room_id", roomID).Debug("Registered room")
	}
	return entry
}

// Get returns the entry for roomID without creating one.
func (r *Registry) Get(roomID id.RoomID) (*Entry, bool) {
	entry, ok := r.rooms[roomID]
	return entry, ok
}

// FindByAlias returns the entry whose canonical alias matches.
func (r *Registry) FindByAlias(alias id.RoomAlias) (*Entry, bool) {
	for _, entry := range r.rooms {
		if entry.MatchesAlias(alias) {
			return entry, true
		}
	}
	return nil, false
}

// Remove drops the entry and clears the selection if it pointed at it.
func (r *Registry) Remove(roomID id.RoomID) {
	if _, ok := r.rooms[roomID]; !ok {
		return
	}
	delete(r.rooms, roomID)
	if r.selected == roomID {
		r.selected = ""
	}
	logrus.WithField("room_id", roomID).Debug("Removed room")
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

// Select makes roomID the active room, creating its entry if needed.
func (r *Registry) Select(roomID id.RoomID) *Entry {
	entry := r.EntryMut(roomID)
	r.selected = roomID
	return entry
}

// Selected returns the active room id, if any.
func (r *Registry) Selected() (id.RoomID, bool) {
	return r.selected, r.selected != ""
}

// ClearSelection unsets the active room.
func (r *Registry) ClearSelection() {
	r.selected = ""
}

// RoomIDs lists registered rooms in the requested order. Ties fall back to
// the room id so the order is deterministic.
func (r *Registry) RoomIDs(sorting Sorting) []id.RoomID {
	ids := make([]id.RoomID, 0, len(r.rooms))
	for roomID := range r.rooms {
		ids = append(ids, roomID)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.rooms[ids[i]], r.rooms[ids[j]]
		switch sorting {
		case SortRecent:
			if la, lb := a.Store.LastActivity(), b.Store.LastActivity(); la != lb {
				return la > lb
			}
		default:
			if na, nb := strings.ToLower(a.Name), strings.ToLower(b.Name); na != nb {
				return na < nb
			}
		}
		return ids[i] < ids[j]
	})
	return ids
}
