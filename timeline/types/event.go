// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Kind is the top-level tag of an Event. The set is closed: every event handed
// to the timeline is exactly one of these.
type Kind int

const (
	KindMessage Kind = iota + 1
	KindRedactedMessage
	KindState
	KindRedactedState
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindRedactedMessage:
		return "redacted_message"
	case KindState:
		return "state"
	case KindRedactedState:
		return "redacted_state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StateKind sub-tags state events by the part of room metadata they touch.
type StateKind int

const (
	StateOther StateKind = iota
	StateName
	StateTopic
	StateCanonicalAlias
	StateAvatar
	StateCreate
	StateMember
	StateTombstone
)

func (k StateKind) String() string {
	switch k {
	case StateName:
		return "name"
	case StateTopic:
		return "topic"
	case StateCanonicalAlias:
		return "canonical_alias"
	case StateAvatar:
		return "avatar"
	case StateCreate:
		return "create"
	case StateMember:
		return "member"
	case StateTombstone:
		return "tombstone"
	default:
		return "other"
	}
}

// stateKinds maps Matrix state event types onto StateKind. Anything missing is StateOther.
var stateKinds = map[string]StateKind{
	event.StateRoomName.Type:       StateName,
	event.StateTopic.Type:          StateTopic,
	event.StateCanonicalAlias.Type: StateCanonicalAlias,
	event.StateRoomAvatar.Type:     StateAvatar,
	event.StateCreate.Type:         StateCreate,
	event.StateMember.Type:         StateMember,
	event.StateTombstone.Type:      StateTombstone,
}

// StateKindOf classifies a state event type.
func StateKindOf(eventType string) StateKind {
	return stateKinds[eventType]
}

// RelationType says whether a message supersedes an earlier event.
type RelationType int

const (
	RelationNone RelationType = iota
	RelationReplace
	RelationRedaction
)

func (r RelationType) String() string {
	switch r {
	case RelationReplace:
		return "replace"
	case RelationRedaction:
		return "redaction"
	default:
		return "none"
	}
}

// Relation points a message at the event it replaces or redacts.
type Relation struct {
	Type   RelationType
	Target id.EventID
}

// Supersedes reports whether the relation removes its target from the timeline.
func (r Relation) Supersedes() bool {
	return r.Type != RelationNone && r.Target != ""
}

// MessageContent is the payload of KindMessage and KindRedactedMessage events.
type MessageContent struct {
	MsgType  string
	Body     string
	Relation Relation
}

// StateContent is the payload of KindState and KindRedactedState events. Only
// the field matching Kind is populated.
type StateContent struct {
	Kind StateKind
	Key  string

	Name            string
	Topic           string
	Alias           id.RoomAlias
	AvatarURL       id.ContentURIString
	Membership      event.Membership
	ReplacementRoom id.RoomID
	TombstoneBody   string
}

// Event is one immutable unit of room activity. Identity is ID; exactly one of
// Message or State is set, matching Kind.
type Event struct {
	ID        id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	Type      string
	Timestamp spec.Timestamp
	Kind      Kind

	Message *MessageContent
	State   *StateContent

	// Raw is the event JSON as received, kept for presentation.
	Raw json.RawMessage
}

// IsMessage is true for messages and redacted messages.
func (e *Event) IsMessage() bool {
	return e.Kind == KindMessage || e.Kind == KindRedactedMessage
}

// IsState is true for state events and redacted state events.
func (e *Event) IsState() bool {
	return e.Kind == KindState || e.Kind == KindRedactedState
}

// IsStateKind reports whether e is a state event of the given sub-kind.
func (e *Event) IsStateKind(k StateKind) bool {
	return e.IsState() && e.State != nil && e.State.Kind == k
}

// Relation returns the message relation, or the zero relation for state events.
func (e *Event) Relation() Relation {
	if e.Message == nil {
		return Relation{}
	}
	return e.Message.Relation
}

func (e *Event) String() string {
	return fmt.Sprintf("%s[%s@%d in %s]", e.Kind, e.ID, e.Timestamp, e.RoomID)
}
