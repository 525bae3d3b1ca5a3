// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrixclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/backfill"
	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/types"
)

// Snapshot fetches the room's current state and the user's direct-message
// map, and folds them into a snapshot.
func (c *Client) Snapshot(ctx context.Context, roomID id.RoomID) (*rooms.Snapshot, error) {
	var state []json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.mx.BuildURL("rooms", string(roomID), "state"), nil, &state); err != nil {
		return nil, fmt.Errorf("fetching state of %s: %w", roomID, err)
	}
	events, _ := types.ParseEvents(roomID, state)
	snap := snapshotFromState(roomID, c.UserID(), events)

	peer, err := c.directPeer(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Debug("Could not read direct-message map")
	}
	snap.DirectPeer = peer
	return snap, nil
}

func snapshotFromState(roomID id.RoomID, localUser id.UserID, events []*types.Event) *rooms.Snapshot {
	snap := &rooms.Snapshot{RoomID: roomID}
	for _, ev := range events {
		if ev.State == nil {
			continue
		}
		st := ev.State
		switch st.Kind {
		case types.StateName:
			snap.Name = st.Name
		case types.StateTopic:
			snap.Topic = st.Topic
		case types.StateCanonicalAlias:
			snap.Alias = st.Alias
		case types.StateAvatar:
			snap.AvatarURL = st.AvatarURL
		case types.StateTombstone:
			snap.Tombstone = &rooms.Tombstone{ReplacementRoom: st.ReplacementRoom, Body: st.TombstoneBody}
		case types.StateMember:
			if id.UserID(st.Key) == localUser {
				snap.Membership = st.Membership
			}
		}
	}
	return snap
}

// directPeer returns the other user of a direct-message room, if the room is
// listed in the m.direct account data.
func (c *Client) directPeer(ctx context.Context, roomID id.RoomID) (id.UserID, error) {
	var direct map[id.UserID][]id.RoomID
	err := c.do(ctx, http.MethodGet, c.mx.BuildURL("user", c.mx.UserID, "account_data", event.AccountDataDirectChats.Type), nil, &direct)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	for peer, roomIDs := range direct {
		for _, candidate := range roomIDs {
			if candidate == roomID {
				return peer, nil
			}
		}
	}
	return "", nil
}

// Messages requests one page of history.
func (c *Client) Messages(ctx context.Context, req *backfill.Request) (*backfill.Response, error) {
	query := map[string]string{
		"dir":   string(req.Direction),
		"limit": strconv.Itoa(req.Limit),
	}
	if req.From != "" {
		query["from"] = req.From
	}
	var resp struct {
		Chunk []json.RawMessage `json:"chunk"`
		State []json.RawMessage `json:"state"`
		Start string            `json:"start"`
		End   string            `json:"end"`
	}
	u := c.mx.BuildURLWithQuery([]string{"rooms", string(req.RoomID), "messages"}, query)
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching messages of %s: %w", req.RoomID, err)
	}
	return &backfill.Response{
		Chunk: resp.Chunk,
		State: resp.State,
		Start: resp.Start,
		End:   resp.End,
	}, nil
}

// SendText sends a plain text message and returns its event id.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	txnID := uuid.NewString()
	content := map[string]string{
		"msgtype": string(event.MsgText),
		"body":    text,
	}
	var resp json.RawMessage
	u := c.mx.BuildURL("rooms", string(roomID), "send", event.EventMessage.Type, txnID)
	if err := c.do(ctx, http.MethodPut, u, content, &resp); err != nil {
		return "", fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return id.EventID(gjson.GetBytes(resp, "event_id").String()), nil
}
