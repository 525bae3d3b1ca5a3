// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrixclient

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/dispatch"
	"github.com/element-hq/retrix/timeline/types"
)

// Sync subscribes to the live stream starting at since ("" for an initial
// sync). Items are yielded in arrival order; every response ends with a Token
// item carrying its next_batch. The sequence ends at the first error, which
// is yielded, or silently when ctx is cancelled. It cannot be resumed; start
// a new subscription from the last token instead.
func (c *Client) Sync(ctx context.Context, since string) iter.Seq2[dispatch.Item, error] {
	return func(yield func(dispatch.Item, error) bool) {
		for {
			body, err := c.syncOnce(ctx, since)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				yield(dispatch.Item{}, err)
				return
			}
			items, next, err := parseSync(body)
			if err != nil {
				yield(dispatch.Item{}, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			since = next
		}
	}
}

func (c *Client) syncOnce(ctx context.Context, since string) (json.RawMessage, error) {
	filter := fmt.Sprintf(`{"room":{"timeline":{"limit":%d}}}`, c.pageLimit)
	query := map[string]string{
		"timeout":      strconv.FormatInt(c.syncTimeout.Milliseconds(), 10),
		"filter":       filter,
		"set_presence": "offline",
	}
	if since != "" {
		query["since"] = since
	} else {
		query["timeout"] = "0"
	}
	var body json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.mx.BuildURLWithQuery([]string{"sync"}, query), nil, &body); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return body, nil
}

// parseSync flattens a sync response into stream items. Per room, state
// comes before the timeline; to-device events follow the rooms and the token
// comes last.
func parseSync(body []byte) ([]dispatch.Item, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("sync: %w", types.ErrMalformedEvent)
	}
	res := gjson.ParseBytes(body)
	next := res.Get("next_batch").String()
	if next == "" {
		return nil, "", fmt.Errorf("sync: response has no next_batch")
	}

	var items []dispatch.Item
	res.Get("rooms.join").ForEach(func(key, room gjson.Result) bool {
		roomID := id.RoomID(key.String())
		prevBatch := room.Get("timeline.prev_batch").String()
		for _, raw := range room.Get("state.events").Array() {
			ev, err := types.ParseEvent(roomID, []byte(raw.Raw))
			if err != nil {
				logrus.WithError(err).WithField("room_id", roomID).Warn("Dropping malformed state event")
				continue
			}
			items = append(items, dispatch.RoomState(ev))
		}
		for _, raw := range room.Get("timeline.events").Array() {
			ev, err := types.ParseEvent(roomID, []byte(raw.Raw))
			if err != nil {
				logrus.WithError(err).WithField("room_id", roomID).Warn("Dropping malformed sync event")
				continue
			}
			items = append(items, dispatch.Joined(ev, prevBatch))
		}
		return true
	})
	res.Get("rooms.leave").ForEach(func(key, room gjson.Result) bool {
		roomID := id.RoomID(key.String())
		for _, raw := range room.Get("timeline.events").Array() {
			ev, err := types.ParseEvent(roomID, []byte(raw.Raw))
			if err != nil {
				continue
			}
			items = append(items, dispatch.Left(ev))
		}
		return true
	})
	for _, raw := range res.Get("to_device.events").Array() {
		ev, err := types.ParseToDevice([]byte(raw.Raw))
		if err != nil {
			logrus.WithError(err).Warn("Dropping malformed to-device event")
			continue
		}
		items = append(items, dispatch.ToDevice(ev))
	}
	items = append(items, dispatch.Token(next))
	return items, next, nil
}
