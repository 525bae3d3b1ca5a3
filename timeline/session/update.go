// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/sessionstore"
	"github.com/element-hq/retrix/timeline/backfill"
	"github.com/element-hq/retrix/timeline/dispatch"
	"github.com/element-hq/retrix/timeline/internal"
	"github.com/element-hq/retrix/timeline/rooms"
)

type message interface {
	isMessage()
}

type submitMsg struct{ creds Credentials }
type restoreMsg struct{ session *sessionstore.Session }
type loginMsg struct {
	session  *sessionstore.Session
	restored bool
	err      error
}
type joinedRoomsMsg struct {
	roomIDs []id.RoomID
	err     error
}
type streamItemMsg struct{ item dispatch.Item }
type streamEndedMsg struct{ err error }
type restartSyncMsg struct{}
type snapshotMsg struct{ result internal.SnapshotResult }
type backfillMsg struct {
	req  *backfill.Request
	resp *backfill.Response
	err  error
}
type selectMsg struct{ room string }
type loadMoreMsg struct{ roomID id.RoomID }
type sendMsg struct {
	roomID id.RoomID
	text   string
}
type sentMsg struct {
	roomID  id.RoomID
	eventID id.EventID
	err     error
}
type dismissMsg struct{}
type sortingMsg struct{ sorting rooms.Sorting }

func (submitMsg) isMessage()      {}
func (restoreMsg) isMessage()     {}
func (loginMsg) isMessage()       {}
func (joinedRoomsMsg) isMessage() {}
func (streamItemMsg) isMessage()  {}
func (streamEndedMsg) isMessage() {}
func (restartSyncMsg) isMessage() {}
func (snapshotMsg) isMessage()    {}
func (backfillMsg) isMessage()    {}
func (selectMsg) isMessage()      {}
func (loadMoreMsg) isMessage()    {}
func (sendMsg) isMessage()        {}
func (sentMsg) isMessage()        {}
func (dismissMsg) isMessage()     {}
func (sortingMsg) isMessage()     {}

// update is the only place session state changes. It runs on the actor.
func (c *Client) update(msg message) {
	switch msg := msg.(type) {
	case submitMsg:
		if c.state != StatePrompt {
			c.logger().Debug("Ignoring login while not at the prompt")
			return
		}
		c.banner = nil
		c.setState(StateAwaitingLogin)
		go func() {
			session, err := c.transport.Login(c.ctx, msg.creds.User, msg.creds.Password, c.cfg.DeviceName)
			c.send(loginMsg{session: session, err: err})
		}()

	case restoreMsg:
		if c.state != StatePrompt {
			c.logger().Debug("Ignoring restore while not at the prompt")
			return
		}
		c.setState(StateAwaitingLogin)
		go func() {
			err := c.transport.Restore(c.ctx, msg.session)
			c.send(loginMsg{session: msg.session, restored: true, err: err})
		}()

	case loginMsg:
		if c.state != StateAwaitingLogin {
			return
		}
		if msg.err != nil {
			c.setState(StatePrompt)
			c.setBanner("Login failed", msg.err)
			return
		}
		if !msg.restored && c.sessions != nil {
			if err := c.sessions.Save(msg.session); err != nil {
				c.logger().WithError(err).Warn("Failed to save session")
			}
		}
		c.enterLoggedIn(msg.session)

	case joinedRoomsMsg:
		if msg.err != nil {
			c.setBanner("Could not list joined rooms", msg.err)
			return
		}
		for _, roomID := range msg.roomIDs {
			c.registry.EntryMut(roomID)
			c.snapshots.QueueRoom(roomID, false)
		}
		c.logger().WithField("rooms", len(msg.roomIDs)).Info("Loaded joined rooms")
		c.notify(Change{Kind: ChangeRoom})

	case streamItemMsg:
		if c.state == StateLoggedIn {
			c.onStreamItem(msg.item)
		}

	case streamEndedMsg:
		c.onStreamEnded(msg.err)

	case restartSyncMsg:
		if c.ctx.Err() == nil {
			c.startSync()
		}

	case snapshotMsg:
		if c.state == StateLoggedIn {
			c.onSnapshot(msg.result)
		}

	case backfillMsg:
		c.onBackfill(msg)

	case selectMsg:
		if c.state != StateLoggedIn {
			return
		}
		roomID, err := c.resolveRoom(msg.room)
		if err != nil {
			c.setBanner("Cannot select "+msg.room, err)
			return
		}
		c.registry.Select(roomID)
		c.notify(Change{Kind: ChangeRoom, RoomID: roomID})
		req, err := c.backfill.OnSelect(roomID)
		c.handleBackfill(roomID, req, err)

	case loadMoreMsg:
		if c.state != StateLoggedIn {
			return
		}
		roomID, err := c.targetRoom(msg.roomID)
		if err != nil {
			c.setBanner("Cannot load history", err)
			return
		}
		req, err := c.backfill.LoadMore(roomID)
		c.handleBackfill(roomID, req, err)

	case sendMsg:
		if c.state != StateLoggedIn {
			return
		}
		roomID, err := c.targetRoom(msg.roomID)
		if err != nil {
			c.setBanner("Cannot send message", err)
			return
		}
		go func() {
			eventID, err := c.transport.SendText(c.ctx, roomID, msg.text)
			c.send(sentMsg{roomID: roomID, eventID: eventID, err: err})
		}()

	case sentMsg:
		if msg.err != nil {
			c.setBanner("Could not send message", msg.err)
			return
		}
		c.logger().WithFields(logrus.Fields{
			"room_id":  msg.roomID,
			"event_id": msg.eventID,
		}).Debug("Message sent")

	case dismissMsg:
		c.banner = nil
		c.notify(Change{Kind: ChangeBanner})

	case sortingMsg:
		c.sorting = msg.sorting
		c.notify(Change{Kind: ChangeRoom})
	}
}
