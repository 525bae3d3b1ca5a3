// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/types"
)

// EventStore is the timeline of one room: events ordered by timestamp (stable
// on arrival order), deduplicated by id, with edits and redactions applied by
// removing their target.
//
// EventStore is not safe for concurrent use. It is only ever mutated from the
// session's serialized update function.
type EventStore struct {
	events   []*types.Event
	knownIDs map[id.EventID]struct{}

	// superseded holds targets of replacements and redactions. An original
	// that turns up after its successor is dropped instead of stored.
	superseded map[id.EventID]struct{}

	startCursor  string
	endCursor    string
	reachedStart bool
	lastActivity spec.Timestamp
	loading      bool
}

// NewEventStore returns an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		knownIDs:   make(map[id.EventID]struct{}),
		superseded: make(map[id.EventID]struct{}),
	}
}

// Push inserts one live event. Pushing an id that is already known is a no-op.
func (s *EventStore) Push(ev *types.Event) {
	if !s.insert(ev) {
		return
	}
	s.sort()
}

// Append merges a batch, typically a pagination page. Events already known,
// including duplicates within the batch itself, are skipped. It returns the
// number of events actually added.
func (s *EventStore) Append(events []*types.Event) int {
	added := 0
	for _, ev := range events {
		if s.insert(ev) {
			added++
		}
	}
	if added > 0 {
		s.sort()
	}
	return added
}

// insert applies the relation rule for ev and adds it without sorting. An
// edit or redaction is always stored; only its target is removed.
func (s *EventStore) insert(ev *types.Event) bool {
	if ev == nil || ev.ID == "" {
		return false
	}
	if _, ok := s.knownIDs[ev.ID]; ok {
		return false
	}
	if _, ok := s.superseded[ev.ID]; ok {
		return false
	}

	if rel := ev.Relation(); rel.Supersedes() {
		s.superseded[rel.Target] = struct{}{}
		s.remove(rel.Target)
	}

	s.knownIDs[ev.ID] = struct{}{}
	s.events = append(s.events, ev)
	return true
}

// Remove deletes the event with this id. It is a no-op if the id is unknown.
func (s *EventStore) Remove(eventID id.EventID) {
	if s.remove(eventID) {
		s.updateLastActivity()
	}
}

func (s *EventStore) remove(eventID id.EventID) bool {
	if _, ok := s.knownIDs[eventID]; !ok {
		return false
	}
	delete(s.knownIDs, eventID)
	for i, ev := range s.events {
		if ev.ID == eventID {
			s.events = append(s.events[:i], s.events[i+1:]...)
			break
		}
	}
	return true
}

func (s *EventStore) sort() {
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Timestamp < s.events[j].Timestamp
	})
	s.updateLastActivity()
}

func (s *EventStore) updateLastActivity() {
	if len(s.events) == 0 {
		s.lastActivity = 0
		return
	}
	s.lastActivity = s.events[len(s.events)-1].Timestamp
}

// HasBeginning reports whether the room's create event has been loaded, which
// means there is no older history to request.
func (s *EventStore) HasBeginning() bool {
	for _, ev := range s.events {
		if ev.IsStateKind(types.StateCreate) {
			return true
		}
	}
	return false
}

// Events returns a copy of the timeline in order.
func (s *EventStore) Events() []*types.Event {
	out := make([]*types.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	return len(s.events)
}

// Contains reports whether the id is present.
func (s *EventStore) Contains(eventID id.EventID) bool {
	_, ok := s.knownIDs[eventID]
	return ok
}

// Get returns the stored event with this id.
func (s *EventStore) Get(eventID id.EventID) (*types.Event, bool) {
	if !s.Contains(eventID) {
		return nil, false
	}
	for _, ev := range s.events {
		if ev.ID == eventID {
			return ev, true
		}
	}
	return nil, false
}

// KnownIDs returns a copy of the id set.
func (s *EventStore) KnownIDs() map[id.EventID]struct{} {
	out := make(map[id.EventID]struct{}, len(s.knownIDs))
	for k := range s.knownIDs {
		out[k] = struct{}{}
	}
	return out
}

// LastActivity is the timestamp of the newest event, or 0 if the store is empty.
func (s *EventStore) LastActivity() spec.Timestamp {
	return s.lastActivity
}

// StartCursor returns the pagination token at the newer edge of the loaded window.
func (s *EventStore) StartCursor() string {
	return s.startCursor
}

// EndCursor returns the token to continue paginating backwards from.
func (s *EventStore) EndCursor() string {
	return s.endCursor
}

// SetCursors records the tokens from a pagination response. Empty values leave
// the current token in place; an empty end means the server has no older
// events to give.
func (s *EventStore) SetCursors(start, end string) {
	if start != "" {
		s.startCursor = start
	}
	if end != "" {
		s.endCursor = end
		return
	}
	s.reachedStart = true
}

// ReachedStart reports whether a pagination response said there is no more history.
func (s *EventStore) ReachedStart() bool {
	return s.reachedStart
}

// Loading reports whether a backwards pagination request is outstanding.
func (s *EventStore) Loading() bool {
	return s.loading
}

// SetLoading sets the outstanding-request guard.
func (s *EventStore) SetLoading(loading bool) {
	s.loading = loading
}
