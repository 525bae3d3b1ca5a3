// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/test"
	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/types"
	"github.com/element-hq/retrix/timeline/verification"
)

const (
	localUser = id.UserID("@me:test")
	roomA     = id.RoomID("!a:test")
	roomB     = id.RoomID("!b:test")
)

func newTestDispatcher() (*Dispatcher, *rooms.Registry) {
	registry := rooms.NewRegistry()
	return NewDispatcher(registry, localUser, verification.NewTracker()), registry
}

func TestDispatch_MessageCreatesRoomOnDemand(t *testing.T) {
	d, registry := newTestDispatcher()

	res := d.Dispatch(Joined(test.Message(t, roomA, "$1", 10, "hi"), ""))

	assert.Equal(t, Result{RoomID: roomA}, res)
	entry, ok := registry.Get(roomA)
	require.True(t, ok)
	assert.True(t, entry.Store.Contains("$1"))
}

func TestDispatch_InterleavedRooms(t *testing.T) {
	d, registry := newTestDispatcher()

	// Cross-room order is arbitrary; each room's timeline is still ordered.
	d.Dispatch(Joined(test.Message(t, roomB, "$b2", 20, "b2"), ""))
	d.Dispatch(Joined(test.Message(t, roomA, "$a2", 20, "a2"), ""))
	d.Dispatch(Joined(test.Message(t, roomB, "$b1", 10, "b1"), ""))
	d.Dispatch(Joined(test.Message(t, roomA, "$a1", 10, "a1"), ""))

	a, _ := registry.Get(roomA)
	b, _ := registry.Get(roomB)
	assert.Equal(t, []id.EventID{"$a1", "$a2"}, test.IDs(a.Store.Events()))
	assert.Equal(t, []id.EventID{"$b1", "$b2"}, test.IDs(b.Store.Events()))
}

func TestDispatch_EditAndRedaction(t *testing.T) {
	d, registry := newTestDispatcher()

	d.Dispatch(Joined(test.Message(t, roomA, "$a", 1, "helo"), ""))
	d.Dispatch(Joined(test.Edit(t, roomA, "$edit", 2, "$a", "hello"), ""))
	d.Dispatch(Joined(test.Message(t, roomA, "$b", 3, "oops"), ""))
	d.Dispatch(Joined(test.Redaction(t, roomA, "$r", 4, "$b"), ""))

	entry, _ := registry.Get(roomA)
	assert.Equal(t, []id.EventID{"$edit", "$r"}, test.IDs(entry.Store.Events()))
}

func TestDispatch_StateEvents(t *testing.T) {
	d, registry := newTestDispatcher()

	res := d.Dispatch(Joined(test.State(t, roomA, "m.room.name", "", "$n", 1, map[string]any{"name": "Lobby"}), ""))
	assert.Equal(t, Result{RoomID: roomA}, res)
	entry, _ := registry.Get(roomA)
	assert.Equal(t, "Lobby", entry.Name)

	res = d.Dispatch(Joined(test.Create(t, roomB, "$c", 1), ""))
	assert.Equal(t, Result{RoomID: roomB, Snapshot: true}, res)

	res = d.Dispatch(Joined(test.Member(t, roomB, "$j", 2, localUser, "join"), ""))
	assert.Equal(t, Result{RoomID: roomB, Snapshot: true}, res)
}

func TestDispatch_RoomStateIsMetadataOnly(t *testing.T) {
	d, registry := newTestDispatcher()

	res := d.Dispatch(RoomState(test.Create(t, roomA, "$c", 1)))
	assert.Equal(t, Result{RoomID: roomA, Snapshot: true}, res)
	d.Dispatch(RoomState(test.State(t, roomA, "m.room.name", "", "$n", 2, map[string]any{"name": "Lobby"})))
	d.Dispatch(Joined(test.Message(t, roomA, "$1", 500, "hi"), "p1"))

	entry, _ := registry.Get(roomA)
	assert.Equal(t, "Lobby", entry.Name)
	assert.Equal(t, []id.EventID{"$1"}, test.IDs(entry.Store.Events()))
	assert.False(t, entry.Store.HasBeginning())
}

func TestDispatch_RoomStateOwnLeaveRemovesRoom(t *testing.T) {
	d, registry := newTestDispatcher()
	d.Dispatch(Joined(test.Message(t, roomA, "$1", 1, "hi"), ""))

	res := d.Dispatch(RoomState(test.Member(t, roomA, "$leave", 2, localUser, "leave")))
	assert.Equal(t, Result{RoomID: roomA, Removed: true}, res)
	assert.Equal(t, 0, registry.Len())
}

func TestDispatch_SelfLeaveRemovesSelectedRoom(t *testing.T) {
	d, registry := newTestDispatcher()
	registry.Select(roomA)
	d.Dispatch(Joined(test.Message(t, roomA, "$1", 1, "hi"), ""))

	before := testutil.ToFloat64(removedRooms)
	res := d.Dispatch(Left(test.Member(t, roomA, "$leave", 2, localUser, "leave")))

	assert.Equal(t, Result{RoomID: roomA, Removed: true}, res)
	_, ok := registry.Get(roomA)
	assert.False(t, ok)
	_, selected := registry.Selected()
	assert.False(t, selected)
	assert.Equal(t, before+1, testutil.ToFloat64(removedRooms))
}

func TestDispatch_LeaveSectionIgnoresOtherEvents(t *testing.T) {
	d, registry := newTestDispatcher()

	res := d.Dispatch(Left(test.Message(t, roomA, "$1", 1, "bye")))
	assert.Equal(t, Result{}, res)
	res = d.Dispatch(Left(test.Member(t, roomA, "$2", 2, "@bob:test", "leave")))
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, registry.Len())
}

func TestDispatch_PrevBatchSeedsCursorOnce(t *testing.T) {
	d, registry := newTestDispatcher()

	d.Dispatch(Joined(test.Message(t, roomA, "$1", 1, "a"), "pb1"))
	d.Dispatch(Joined(test.Message(t, roomA, "$2", 2, "b"), "pb2"))

	entry, _ := registry.Get(roomA)
	assert.Equal(t, "pb1", entry.LastKnownCursor)
}

func TestDispatch_Token(t *testing.T) {
	d, _ := newTestDispatcher()

	d.Dispatch(Token("s1"))
	assert.Equal(t, "s1", d.SyncToken())
	d.Dispatch(Token(""))
	assert.Equal(t, "s1", d.SyncToken(), "empty tokens are ignored")
}

func TestDispatch_ToDevice(t *testing.T) {
	d, registry := newTestDispatcher()

	res := d.Dispatch(ToDevice(&types.ToDeviceEvent{
		Type:    "m.key.verification.request",
		Sender:  "@bob:test",
		Content: json.RawMessage(`{"transaction_id":"t1","from_device":"DEV"}`),
	}))
	require.NotNil(t, res.Flow)
	assert.Equal(t, verification.StepRequested, res.Flow.Step)

	res = d.Dispatch(ToDevice(&types.ToDeviceEvent{Type: "m.room_key", Content: json.RawMessage(`{}`)}))
	assert.Equal(t, Result{}, res)

	res = d.Dispatch(ToDevice(&types.ToDeviceEvent{Type: "m.key.verification.start", Content: json.RawMessage(`{}`)}))
	assert.Equal(t, Result{}, res, "a verification event without a transaction is dropped")

	assert.Equal(t, 0, registry.Len(), "to-device traffic never touches rooms")
}

func TestDispatch_Metrics(t *testing.T) {
	d, _ := newTestDispatcher()
	counter := dispatchedItems.WithLabelValues("joined", "message")
	before := testutil.ToFloat64(counter)

	d.Dispatch(Joined(test.Message(t, roomA, "$m1", 1, "a"), ""))
	d.Dispatch(Joined(test.Message(t, roomA, "$m2", 2, "b"), ""))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
