// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dispatch

import (
	"errors"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/types"
	"github.com/element-hq/retrix/timeline/verification"
)

// Result describes what a dispatched item did to the registry.
type Result struct {
	// RoomID is the room touched, if any.
	RoomID id.RoomID
	// Snapshot asks the caller to fetch the room's snapshot.
	Snapshot bool
	// Removed means the room was dropped from the registry.
	Removed bool
	// Flow is the verification flow advanced by a to-device item.
	Flow *verification.Flow
}

// Dispatcher routes live stream items into registry mutations or into the
// verification side channel. Items for different rooms may arrive in any
// relative order; only the per-room order matters and the event store
// restores it by timestamp.
//
// Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	registry      *rooms.Registry
	localUser     id.UserID
	verifications *verification.Tracker
	syncToken     string
}

// NewDispatcher returns a dispatcher for the local user's registry.
func NewDispatcher(registry *rooms.Registry, localUser id.UserID, verifications *verification.Tracker) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		localUser:     localUser,
		verifications: verifications,
	}
}

// SyncToken returns the latest live stream position seen.
func (d *Dispatcher) SyncToken() string {
	return d.syncToken
}

// SetSyncToken seeds the stream position, e.g. from the login response.
func (d *Dispatcher) SetSyncToken(token string) {
	d.syncToken = token
}

// Dispatch applies one item.
func (d *Dispatcher) Dispatch(item Item) Result {
	observeItem(item)

	switch item.Kind {
	case ItemJoined, ItemLeft, ItemRoomState:
		return d.dispatchEvent(item)
	case ItemToDevice:
		return d.dispatchToDevice(item)
	case ItemToken:
		if item.Token != "" {
			d.syncToken = item.Token
		}
	default:
		logrus.WithField("item_kind", int(item.Kind)).Warn("Ignoring unknown stream item")
	}
	return Result{}
}

func (d *Dispatcher) dispatchEvent(item Item) Result {
	ev := item.Event
	if ev == nil {
		return Result{}
	}
	// Events from the leave section only matter for the local user's own
	// membership; anything else would resurrect a room we no longer track.
	if item.Kind == ItemLeft && !d.isOwnMembership(ev) {
		return Result{}
	}
	res := Result{RoomID: ev.RoomID}

	if item.Kind == ItemRoomState && !ev.IsState() {
		return Result{}
	}
	if ev.IsState() {
		var out rooms.Outcome
		if item.Kind == ItemRoomState {
			out = d.registry.ApplyCurrentState(ev, d.localUser)
		} else {
			out = d.registry.ApplyState(ev, d.localUser)
		}
		res.Snapshot = out.NeedsSnapshot
		res.Removed = out.Removed
		if out.Removed {
			removedRooms.Inc()
			return res
		}
	} else {
		d.registry.EntryMut(ev.RoomID).Store.Push(ev)
	}

	if item.PrevBatch != "" {
		if entry, ok := d.registry.Get(ev.RoomID); ok && entry.LastKnownCursor == "" {
			entry.LastKnownCursor = item.PrevBatch
		}
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID,
		"event_id": ev.ID,
		"kind":     ev.Kind.String(),
	}).Debug("Dispatched event")
	return res
}

func (d *Dispatcher) isOwnMembership(ev *types.Event) bool {
	return ev.IsStateKind(types.StateMember) && id.UserID(ev.State.Key) == d.localUser
}

func (d *Dispatcher) dispatchToDevice(item Item) Result {
	ev := item.ToDevice
	if ev == nil {
		return Result{}
	}
	if !ev.IsVerification() {
		logrus.WithField("type", ev.Type).Debug("Ignoring to-device event")
		return Result{}
	}
	flow, err := d.verifications.Observe(ev)
	if err != nil {
		if !errors.Is(err, verification.ErrNotVerification) {
			logrus.WithError(err).WithField("type", ev.Type).Warn("Dropping verification event")
		}
		return Result{}
	}
	return Result{Flow: flow}
}
