// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/test"
	"github.com/element-hq/retrix/timeline/types"
)

const roomID = id.RoomID("!room:test")

// =============================================================================
// Helpers
// =============================================================================

func assertOrdered(t *testing.T, s *EventStore) {
	t.Helper()
	events := s.Events()
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Timestamp, events[i].Timestamp, "events %d and %d out of order", i-1, i)
	}
}

func assertKnownIDsMirror(t *testing.T, s *EventStore) {
	t.Helper()
	want := make(map[id.EventID]struct{})
	for _, ev := range s.Events() {
		want[ev.ID] = struct{}{}
	}
	assert.Equal(t, want, s.KnownIDs(), "known ids must mirror stored events")
	assert.Len(t, want, s.Len(), "stored events must have unique ids")
}

func assertIDs(t *testing.T, s *EventStore, want ...id.EventID) {
	t.Helper()
	if diff := cmp.Diff(want, test.IDs(s.Events())); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Push / Append
// =============================================================================

func TestPush_OrdersByTimestamp(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$A", 5, "a"))
	s.Push(test.Message(t, roomID, "$B", 3, "b"))
	s.Push(test.Message(t, roomID, "$C", 10, "c"))

	assertIDs(t, s, "$B", "$A", "$C")
	assertOrdered(t, s)
	assertKnownIDsMirror(t, s)
	assert.Equal(t, spec.Timestamp(10), s.LastActivity())
}

func TestPush_TiesKeepArrivalOrder(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$first", 7, "1"))
	s.Push(test.Message(t, roomID, "$early", 1, "0"))
	s.Push(test.Message(t, roomID, "$second", 7, "2"))
	s.Push(test.Message(t, roomID, "$third", 7, "3"))

	assertIDs(t, s, "$early", "$first", "$second", "$third")
}

func TestPush_KnownIDIsNoop(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$A", 5, "a"))
	s.Push(test.Message(t, roomID, "$A", 9, "a again"))

	require.Equal(t, 1, s.Len())
	ev, ok := s.Get("$A")
	require.True(t, ok)
	assert.Equal(t, "a", ev.Message.Body)
	assert.Equal(t, spec.Timestamp(5), s.LastActivity())
}

func TestAppend_DeduplicatesAgainstStore(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	a := test.Message(t, roomID, "$A", 5, "a")
	s.Push(a)

	added := s.Append([]*types.Event{a, a})

	assert.Equal(t, 0, added)
	assert.Equal(t, 1, s.Len())
	assertKnownIDsMirror(t, s)
}

func TestAppend_Idempotent(t *testing.T) {
	t.Parallel()

	page := []*types.Event{
		test.Message(t, roomID, "$C", 30, "c"),
		test.Message(t, roomID, "$B", 20, "b"),
		test.Message(t, roomID, "$A", 10, "a"),
	}

	once := NewEventStore()
	once.Append(page)

	twice := NewEventStore()
	twice.Append(page)
	twice.Append(page)

	assert.Equal(t, test.IDs(once.Events()), test.IDs(twice.Events()))
	assert.Equal(t, once.KnownIDs(), twice.KnownIDs())
	assertIDs(t, twice, "$A", "$B", "$C")
}

func TestAppend_DuplicatesWithinBatch(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	a := test.Message(t, roomID, "$A", 5, "a")

	added := s.Append([]*types.Event{a, a})

	assert.Equal(t, 1, added)
	assertIDs(t, s, "$A")
}

func TestAppend_OverlapWithLiveEvents(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	// Live events arrive forwards.
	s.Push(test.Message(t, roomID, "$D", 40, "d"))
	s.Push(test.Message(t, roomID, "$E", 50, "e"))

	// A history page arrives newest first and overlaps the live window.
	added := s.Append([]*types.Event{
		test.Message(t, roomID, "$D", 40, "d"),
		test.Message(t, roomID, "$C", 30, "c"),
		test.Message(t, roomID, "$B", 20, "b"),
	})

	assert.Equal(t, 2, added)
	assertIDs(t, s, "$B", "$C", "$D", "$E")
	assertOrdered(t, s)
	assertKnownIDsMirror(t, s)
	assert.Equal(t, spec.Timestamp(50), s.LastActivity())
}

func TestAppend_IgnoresNil(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	assert.Equal(t, 0, s.Append([]*types.Event{nil}))
	assert.Equal(t, 0, s.Len())
}

// =============================================================================
// Edits and redactions
// =============================================================================

func TestPush_EditReplacesTarget(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$a", 1, "helo"))
	s.Push(test.Message(t, roomID, "$other", 2, "x"))
	before := s.Len()

	s.Push(test.Edit(t, roomID, "$edit", 3, "$a", "hello"))

	assert.False(t, s.Contains("$a"))
	assert.True(t, s.Contains("$edit"))
	assert.Equal(t, before, s.Len(), "net size is unchanged: minus the original, plus the edit")
	assertKnownIDsMirror(t, s)
	assertIDs(t, s, "$other", "$edit")
}

func TestPush_RedactionRemovesTarget(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$b", 1, "oops"))

	s.Push(test.Redaction(t, roomID, "$redact", 2, "$b"))

	assert.False(t, s.Contains("$b"))
	assert.True(t, s.Contains("$redact"))
	assertKnownIDsMirror(t, s)
}

func TestPush_RelationWithMissingTargetIsStored(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Edit(t, roomID, "$edit", 3, "$unknown", "hello"))
	s.Push(test.Redaction(t, roomID, "$redact", 4, "$also-unknown"))

	assertIDs(t, s, "$edit", "$redact")
	assertKnownIDsMirror(t, s)
}

func TestAppend_OriginAfterSuccessorIsDropped(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	// The edit is seen live before its original is paginated in.
	s.Push(test.Edit(t, roomID, "$edit", 30, "$a", "hello"))

	added := s.Append([]*types.Event{
		test.Message(t, roomID, "$b", 20, "b"),
		test.Message(t, roomID, "$a", 10, "helo"),
	})

	assert.Equal(t, 1, added)
	assertIDs(t, s, "$b", "$edit")
	assertKnownIDsMirror(t, s)
}

func TestAppend_EditAndOriginalInOneBatch(t *testing.T) {
	t.Parallel()

	testCases := map[string][]func(t *testing.T) *types.Event{
		"newest first": {
			func(t *testing.T) *types.Event { return test.Edit(t, roomID, "$edit", 30, "$a", "hello") },
			func(t *testing.T) *types.Event { return test.Message(t, roomID, "$a", 10, "helo") },
		},
		"oldest first": {
			func(t *testing.T) *types.Event { return test.Message(t, roomID, "$a", 10, "helo") },
			func(t *testing.T) *types.Event { return test.Edit(t, roomID, "$edit", 30, "$a", "hello") },
		},
	}

	for name, builders := range testCases {
		t.Run(name, func(t *testing.T) {
			batch := make([]*types.Event, 0, len(builders))
			for _, build := range builders {
				batch = append(batch, build(t))
			}
			s := NewEventStore()
			s.Append(batch)

			assertIDs(t, s, "$edit")
			assertKnownIDsMirror(t, s)
		})
	}
}

func TestPush_EveryEditIsStored(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$a", 1, "v0"))
	s.Push(test.Edit(t, roomID, "$e1", 2, "$a", "v1"))
	s.Push(test.Edit(t, roomID, "$e2", 3, "$a", "v2"))

	assertIDs(t, s, "$e1", "$e2")

	// An older edit arriving late is stored too, in timestamp order.
	s.Append([]*types.Event{test.Edit(t, roomID, "$e0", 1, "$a", "v0.5")})
	assertIDs(t, s, "$e0", "$e1", "$e2")
	assertKnownIDsMirror(t, s)
}

func TestPush_EditsArrivingNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Edit(t, roomID, "$e2", 20, "$a", "v2"))
	s.Push(test.Edit(t, roomID, "$e1", 10, "$a", "v1"))

	assertIDs(t, s, "$e1", "$e2")
	assertKnownIDsMirror(t, s)
}

func TestPush_RelationsAfterRedactionAreStored(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$a", 1, "v0"))
	s.Push(test.Edit(t, roomID, "$e1", 2, "$a", "v1"))
	s.Push(test.Redaction(t, roomID, "$r", 3, "$a"))

	// The redaction only removes its own target.
	assertIDs(t, s, "$e1", "$r")

	s.Push(test.Edit(t, roomID, "$e3", 30, "$a", "v3"))
	assertIDs(t, s, "$e1", "$r", "$e3")
	assertKnownIDsMirror(t, s)
}

// =============================================================================
// Remove / HasBeginning / cursors
// =============================================================================

func TestRemove(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	s.Push(test.Message(t, roomID, "$a", 1, "a"))
	s.Push(test.Message(t, roomID, "$b", 2, "b"))

	s.Remove("$b")
	assertIDs(t, s, "$a")
	assert.Equal(t, spec.Timestamp(1), s.LastActivity())

	s.Remove("$missing")
	assertIDs(t, s, "$a")

	s.Remove("$a")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, spec.Timestamp(0), s.LastActivity(), "an empty store reports the epoch")
	assertKnownIDsMirror(t, s)
}

func TestHasBeginning(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	assert.False(t, s.HasBeginning())

	s.Push(test.Message(t, roomID, "$a", 10, "a"))
	s.Push(test.State(t, roomID, "m.room.name", "", "$n", 5, map[string]any{"name": "Lobby"}))
	assert.False(t, s.HasBeginning())

	s.Append([]*types.Event{test.Create(t, roomID, "$create", 1)})
	assert.True(t, s.HasBeginning())
	assert.Equal(t, id.EventID("$create"), s.Events()[0].ID)

	s.Remove("$create")
	assert.False(t, s.HasBeginning())
}

func TestSetCursors(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	assert.Empty(t, s.StartCursor())
	assert.Empty(t, s.EndCursor())

	s.SetCursors("t0", "t1")
	assert.Equal(t, "t0", s.StartCursor())
	assert.Equal(t, "t1", s.EndCursor())
	assert.False(t, s.ReachedStart())

	s.SetCursors("", "t2")
	assert.Equal(t, "t0", s.StartCursor())
	assert.Equal(t, "t2", s.EndCursor())

	s.SetCursors("t2", "")
	assert.Equal(t, "t2", s.EndCursor(), "a missing end keeps the last token")
	assert.True(t, s.ReachedStart())
}

func TestLoadingFlag(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	assert.False(t, s.Loading())
	s.SetLoading(true)
	assert.True(t, s.Loading())
	s.SetLoading(false)
	assert.False(t, s.Loading())
}
