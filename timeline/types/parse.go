// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrMalformedEvent is returned for raw events that cannot be classified.
var ErrMalformedEvent = errors.New("malformed event")

// ParseEvent classifies one raw client-format event. roomID is used when the
// event itself carries no room_id, which is the case for events nested in a
// sync or pagination response.
func ParseEvent(roomID id.RoomID, raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}

	eventID := parsed.Get("event_id").String()
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	eventType := parsed.Get("type").String()
	if eventType == "" {
		return nil, fmt.Errorf("%w: %s has no type", ErrMalformedEvent, eventID)
	}
	ts := parsed.Get("origin_server_ts")
	if ts.Type != gjson.Number {
		return nil, fmt.Errorf("%w: %s has no origin_server_ts", ErrMalformedEvent, eventID)
	}
	if rid := parsed.Get("room_id").String(); rid != "" {
		roomID = id.RoomID(rid)
	}
	if roomID == "" {
		return nil, fmt.Errorf("%w: %s has no room", ErrMalformedEvent, eventID)
	}

	ev := &Event{
		ID:        id.EventID(eventID),
		RoomID:    roomID,
		Sender:    id.UserID(parsed.Get("sender").String()),
		Type:      eventType,
		Timestamp: spec.Timestamp(ts.Uint()),
		Raw:       json.RawMessage(append([]byte(nil), raw...)),
	}
	redacted := parsed.Get("unsigned.redacted_because").Exists()
	content := parsed.Get("content")

	if stateKey := parsed.Get("state_key"); stateKey.Exists() {
		ev.Kind = KindState
		if redacted {
			ev.Kind = KindRedactedState
		}
		ev.State = parseState(eventType, stateKey.String(), content)
		return ev, nil
	}

	ev.Kind = KindMessage
	if redacted {
		ev.Kind = KindRedactedMessage
	}
	ev.Message = parseMessage(eventType, parsed, content)
	return ev, nil
}

func parseMessage(eventType string, parsed, content gjson.Result) *MessageContent {
	msg := &MessageContent{
		MsgType: content.Get("msgtype").String(),
		Body:    content.Get("body").String(),
	}
	switch eventType {
	case event.EventRedaction.Type:
		// Room versions before 11 carry the target at the top level.
		target := parsed.Get("redacts").String()
		if target == "" {
			target = content.Get("redacts").String()
		}
		if target != "" {
			msg.Relation = Relation{Type: RelationRedaction, Target: id.EventID(target)}
		}
	default:
		relatesTo := content.Get(`m\.relates_to`)
		if relatesTo.Get("rel_type").String() == string(event.RelReplace) {
			if target := relatesTo.Get("event_id").String(); target != "" {
				msg.Relation = Relation{Type: RelationReplace, Target: id.EventID(target)}
			}
			if body := content.Get(`m\.new_content.body`); body.Exists() {
				msg.Body = body.String()
			}
		}
	}
	return msg
}

func parseState(eventType, stateKey string, content gjson.Result) *StateContent {
	st := &StateContent{
		Kind: StateKindOf(eventType),
		Key:  stateKey,
	}
	switch st.Kind {
	case StateName:
		st.Name = content.Get("name").String()
	case StateTopic:
		st.Topic = content.Get("topic").String()
	case StateCanonicalAlias:
		st.Alias = id.RoomAlias(content.Get("alias").String())
	case StateAvatar:
		st.AvatarURL = id.ContentURIString(content.Get("url").String())
	case StateMember:
		st.Membership = event.Membership(content.Get("membership").String())
	case StateTombstone:
		st.ReplacementRoom = id.RoomID(content.Get("replacement_room").String())
		st.TombstoneBody = content.Get("body").String()
	}
	return st
}

// ParseEvents classifies a batch, dropping malformed entries rather than
// failing the whole batch. It returns the valid events in input order and the
// number dropped.
func ParseEvents(roomID id.RoomID, raws []json.RawMessage) ([]*Event, int) {
	events := make([]*Event, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		ev, err := ParseEvent(roomID, raw)
		if err != nil {
			dropped++
			logrus.WithError(err).WithField("room_id", roomID).Warn("Dropping malformed event")
			continue
		}
		events = append(events, ev)
	}
	return events, dropped
}

// ToDeviceEvent is a device-addressed signal from the live stream. Only
// verification signals are routed anywhere; the rest are acknowledged and
// ignored.
type ToDeviceEvent struct {
	Type    string
	Sender  id.UserID
	Content json.RawMessage
}

// IsVerification reports whether the event belongs to a device verification flow.
func (e *ToDeviceEvent) IsVerification() bool {
	return strings.HasPrefix(e.Type, "m.key.verification.")
}

// TransactionID returns the verification transaction the event belongs to.
func (e *ToDeviceEvent) TransactionID() string {
	return gjson.GetBytes(e.Content, "transaction_id").String()
}

// ParseToDevice classifies a raw to-device event.
func ParseToDevice(raw []byte) (*ToDeviceEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid to-device JSON", ErrMalformedEvent)
	}
	parsed := gjson.ParseBytes(raw)
	eventType := parsed.Get("type").String()
	if eventType == "" {
		return nil, fmt.Errorf("%w: to-device event has no type", ErrMalformedEvent)
	}
	content := parsed.Get("content").Raw
	if content == "" {
		content = "{}"
	}
	return &ToDeviceEvent{
		Type:    eventType,
		Sender:  id.UserID(parsed.Get("sender").String()),
		Content: json.RawMessage(content),
	}, nil
}
