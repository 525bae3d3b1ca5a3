// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test holds fixtures shared by the timeline tests.
package test

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/types"
)

// RawEvent builds client-format event JSON. Each entry of sets is applied with
// sjson, so keys use sjson path syntax.
func RawEvent(t testing.TB, eventType, eventID string, ts int64, sets map[string]any) json.RawMessage {
	t.Helper()
	raw := []byte(`{}`)
	base := map[string]any{
		"type":             eventType,
		"event_id":         eventID,
		"origin_server_ts": ts,
		"sender":           "@alice:test",
	}
	for _, m := range []map[string]any{base, sets} {
		for path, value := range m {
			var err error
			raw, err = sjson.SetBytes(raw, path, value)
			if err != nil {
				t.Fatalf("failed to build raw event: %v", err)
			}
		}
	}
	return raw
}

// MustParse classifies raw or fails the test.
func MustParse(t testing.TB, roomID id.RoomID, raw json.RawMessage) *types.Event {
	t.Helper()
	ev, err := types.ParseEvent(roomID, raw)
	if err != nil {
		t.Fatalf("failed to parse test event: %v", err)
	}
	return ev
}

// RawMessage returns the JSON of an m.room.message text event.
func RawMessage(t testing.TB, eventID string, ts int64, body string) json.RawMessage {
	return RawEvent(t, "m.room.message", eventID, ts, map[string]any{
		"content.msgtype": "m.text",
		"content.body":    body,
	})
}

// Message returns a parsed text message.
func Message(t testing.TB, roomID id.RoomID, eventID string, ts int64, body string) *types.Event {
	return MustParse(t, roomID, RawMessage(t, eventID, ts, body))
}

// Edit returns a replacement of target.
func Edit(t testing.TB, roomID id.RoomID, eventID string, ts int64, target, body string) *types.Event {
	return MustParse(t, roomID, RawEvent(t, "m.room.message", eventID, ts, map[string]any{
		"content.msgtype":                "m.text",
		"content.body":                   "* " + body,
		`content.m\.new_content.body`:    body,
		`content.m\.relates_to.rel_type`: "m.replace",
		`content.m\.relates_to.event_id`: target,
	}))
}

// Redaction returns a redaction of target.
func Redaction(t testing.TB, roomID id.RoomID, eventID string, ts int64, target string) *types.Event {
	return MustParse(t, roomID, RawEvent(t, "m.room.redaction", eventID, ts, map[string]any{
		"redacts":        target,
		"content.reason": "spam",
	}))
}

// RawState returns the JSON of a state event.
func RawState(t testing.TB, eventType, stateKey, eventID string, ts int64, content map[string]any) json.RawMessage {
	sets := map[string]any{"state_key": stateKey}
	for k, v := range content {
		sets["content."+k] = v
	}
	return RawEvent(t, eventType, eventID, ts, sets)
}

// State returns a parsed state event.
func State(t testing.TB, roomID id.RoomID, eventType, stateKey, eventID string, ts int64, content map[string]any) *types.Event {
	return MustParse(t, roomID, RawState(t, eventType, stateKey, eventID, ts, content))
}

// Create returns an m.room.create event.
func Create(t testing.TB, roomID id.RoomID, eventID string, ts int64) *types.Event {
	return State(t, roomID, "m.room.create", "", eventID, ts, map[string]any{"room_version": "10"})
}

// Member returns an m.room.member event for user.
func Member(t testing.TB, roomID id.RoomID, eventID string, ts int64, user id.UserID, membership string) *types.Event {
	return State(t, roomID, "m.room.member", string(user), eventID, ts, map[string]any{"membership": membership})
}

// IDs lists event ids in timeline order.
func IDs(events []*types.Event) []id.EventID {
	ids := make([]id.EventID, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
