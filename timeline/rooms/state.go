// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/types"
)

// Outcome tells the caller what follow-up a state event needs.
type Outcome struct {
	// NeedsSnapshot asks for the room's metadata to be refetched.
	NeedsSnapshot bool
	// Removed means the room left the registry.
	Removed bool
}

// ApplyState applies one state event from a room's timeline to the entry of
// its room. The event is stored in the room's timeline and the metadata
// patched on top, except when the local user left, in which case the entry is
// dropped altogether.
func (r *Registry) ApplyState(ev *types.Event, localUser id.UserID) Outcome {
	return r.applyState(ev, localUser, true)
}

// ApplyCurrentState patches the entry from an event of the room's current
// state. These events describe the room as of the batch and are not part of
// its timeline, so the event store is left untouched.
func (r *Registry) ApplyCurrentState(ev *types.Event, localUser id.UserID) Outcome {
	return r.applyState(ev, localUser, false)
}

func (r *Registry) applyState(ev *types.Event, localUser id.UserID, inTimeline bool) Outcome {
	if ev == nil || !ev.IsState() || ev.State == nil {
		return Outcome{}
	}
	st := ev.State
	logger := logrus.WithFields(logrus.Fields{
		"room_id":    ev.RoomID,
		"event_id":   ev.ID,
		"state_kind": st.Kind.String(),
	})

	if st.Kind == types.StateMember && id.UserID(st.Key) == localUser {
		switch st.Membership {
		case event.MembershipLeave, event.MembershipBan:
			logger.WithField("membership", st.Membership).Info("Local user left room")
			r.Remove(ev.RoomID)
			return Outcome{Removed: true}
		}
	}

	entry := r.EntryMut(ev.RoomID)
	if inTimeline {
		entry.Store.Push(ev)
	}

	switch st.Kind {
	case types.StateName:
		entry.SetExplicitName(st.Name)
	case types.StateTopic:
		entry.Topic = st.Topic
	case types.StateCanonicalAlias:
		entry.SetAlias(st.Alias)
	case types.StateAvatar:
		entry.AvatarURL = st.AvatarURL
	case types.StateTombstone:
		entry.Tombstone = &Tombstone{ReplacementRoom: st.ReplacementRoom, Body: st.TombstoneBody}
	case types.StateCreate:
		logger.Debug("Room created, fetching snapshot")
		return Outcome{NeedsSnapshot: true}
	case types.StateMember:
		if id.UserID(st.Key) == localUser {
			entry.Membership = st.Membership
			if st.Membership == event.MembershipJoin {
				logger.Info("Local user joined room, fetching snapshot")
				return Outcome{NeedsSnapshot: true}
			}
		}
	}
	return Outcome{}
}
