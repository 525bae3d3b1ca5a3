// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dispatch

import (
	"github.com/element-hq/retrix/timeline/types"
)

// ItemKind tags one element of the live stream.
type ItemKind int

const (
	// ItemJoined carries a timeline or state event of a joined room.
	ItemJoined ItemKind = iota + 1
	// ItemLeft carries an event from the leave section, normally the local
	// user's own leave.
	ItemLeft
	// ItemToDevice carries a device-addressed signal.
	ItemToDevice
	// ItemToken carries the stream position after a batch.
	ItemToken
	// ItemRoomState carries a current-state event of a joined room, from the
	// state section rather than the timeline.
	ItemRoomState
)

func (k ItemKind) String() string {
	switch k {
	case ItemJoined:
		return "joined"
	case ItemLeft:
		return "left"
	case ItemToDevice:
		return "to_device"
	case ItemToken:
		return "token"
	case ItemRoomState:
		return "room_state"
	default:
		return "unknown"
	}
}

// Item is one element of the live stream. Only the field matching Kind is set.
type Item struct {
	Kind ItemKind

	Event *types.Event
	// PrevBatch is the pagination token preceding the batch the event came in.
	PrevBatch string

	ToDevice *types.ToDeviceEvent

	Token string
}

// Joined wraps a joined-room event.
func Joined(ev *types.Event, prevBatch string) Item {
	return Item{Kind: ItemJoined, Event: ev, PrevBatch: prevBatch}
}

// RoomState wraps a state-section event of a joined room.
func RoomState(ev *types.Event) Item {
	return Item{Kind: ItemRoomState, Event: ev}
}

// Left wraps a leave-section event.
func Left(ev *types.Event) Item {
	return Item{Kind: ItemLeft, Event: ev}
}

// ToDevice wraps a to-device event.
func ToDevice(ev *types.ToDeviceEvent) Item {
	return Item{Kind: ItemToDevice, ToDevice: ev}
}

// Token wraps a stream position.
func Token(token string) Item {
	return Item{Kind: ItemToken, Token: token}
}
