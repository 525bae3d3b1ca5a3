// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package session runs the client lifecycle: prompt, login, then the logged
// in state where the live stream, snapshot fetches and backfill feed one room
// registry. All state is owned by a single actor; background work reports back
// as messages handled one at a time by update.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/caching"
	"github.com/element-hq/retrix/internal/sessionstore"
	"github.com/element-hq/retrix/setup/config"
	"github.com/element-hq/retrix/timeline/backfill"
	"github.com/element-hq/retrix/timeline/dispatch"
	"github.com/element-hq/retrix/timeline/internal"
	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/verification"
)

var (
	// ErrNoRoomSelected is shown when a room operation needs a selection.
	ErrNoRoomSelected = errors.New("no room selected")
	// ErrUnknownRoom is shown when an alias does not match any known room.
	ErrUnknownRoom = errors.New("unknown room")
)

// Client is the session actor. Its exported methods are safe to call from any
// goroutine; they queue work onto the actor and return immediately, except
// View which waits for the actor.
type Client struct {
	phony.Inbox
	ctx       context.Context
	cfg       *config.Retrix
	transport Transport
	sessions  SessionSaver
	cache     caching.RoomSnapshotCache
	notify    func(Change)

	state   State
	banner  *Banner
	sorting rooms.Sorting
	userID  id.UserID

	// Set on entering StateLoggedIn.
	registry      *rooms.Registry
	verifications *verification.Tracker
	dispatcher    *dispatch.Dispatcher
	backfill      *backfill.Coordinator
	snapshots     *internal.SnapshotWorker
}

// New returns a client in StatePrompt. sessions may be nil, in which case
// logins are not persisted. notify, if set, is called from the actor after
// each visible change and must not block.
func New(
	ctx context.Context,
	cfg *config.Retrix,
	transport Transport,
	sessions SessionSaver,
	cache caching.RoomSnapshotCache,
	notify func(Change),
) *Client {
	sorting, err := rooms.ParseSorting(cfg.RoomSorting)
	if err != nil {
		sorting = rooms.SortAlphabetic
	}
	if notify == nil {
		notify = func(Change) {}
	}
	return &Client{
		ctx:       ctx,
		cfg:       cfg,
		transport: transport,
		sessions:  sessions,
		cache:     cache,
		notify:    notify,
		state:     StatePrompt,
		sorting:   sorting,
	}
}

// Submit starts a password login. It is ignored outside StatePrompt.
func (c *Client) Submit(creds Credentials) {
	c.send(submitMsg{creds: creds})
}

// Restore resumes a saved session instead of prompting.
func (c *Client) Restore(session *sessionstore.Session) {
	c.send(restoreMsg{session: session})
}

// SelectRoom makes a room active, by id or canonical alias, and loads its
// history if nothing is stored yet.
func (c *Client) SelectRoom(room string) {
	c.send(selectMsg{room: room})
}

// LoadMore requests the next older page for roomID, or for the selected room
// when roomID is empty.
func (c *Client) LoadMore(roomID id.RoomID) {
	c.send(loadMoreMsg{roomID: roomID})
}

// Send posts a text message to roomID, or to the selected room when roomID is
// empty. The message shows up in the timeline once the live stream echoes it.
func (c *Client) Send(roomID id.RoomID, text string) {
	c.send(sendMsg{roomID: roomID, text: text})
}

// DismissError clears the banner.
func (c *Client) DismissError() {
	c.send(dismissMsg{})
}

// SetSorting changes the room list order.
func (c *Client) SetSorting(sorting rooms.Sorting) {
	c.send(sortingMsg{sorting: sorting})
}

// View calls fn from the actor with a copy of the current state.
func (c *Client) View(fn func(View)) {
	phony.Block(c, func() {
		fn(c.view())
	})
}

func (c *Client) send(msg message) {
	c.Act(nil, func() {
		c.update(msg)
	})
}

func (c *Client) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"state":   c.state.String(),
		"user_id": c.userID,
	})
}

func (c *Client) setState(state State) {
	c.state = state
	c.logger().Info("Session state changed")
	c.notify(Change{Kind: ChangeState, State: state})
}

func (c *Client) setBanner(msg string, err error) {
	c.banner = &Banner{Message: msg, Err: err}
	c.logger().WithError(err).Warn(msg)
	c.notify(Change{Kind: ChangeBanner, Banner: c.banner})
}

// resolveRoom maps a room id or alias to a registered room id. Unknown ids
// are returned as is; the registry creates them on demand.
func (c *Client) resolveRoom(room string) (id.RoomID, error) {
	room = strings.TrimSpace(room)
	if strings.HasPrefix(room, "#") {
		entry, ok := c.registry.FindByAlias(id.RoomAlias(room))
		if !ok {
			return "", ErrUnknownRoom
		}
		return entry.ID, nil
	}
	if room == "" {
		return "", ErrNoRoomSelected
	}
	return id.RoomID(room), nil
}

func (c *Client) targetRoom(roomID id.RoomID) (id.RoomID, error) {
	if roomID != "" {
		return roomID, nil
	}
	if selected, ok := c.registry.Selected(); ok {
		return selected, nil
	}
	return "", ErrNoRoomSelected
}

func (c *Client) enterLoggedIn(session *sessionstore.Session) {
	c.userID = c.transport.UserID()
	if c.userID == "" && session != nil {
		c.userID = session.UserID
	}
	c.registry = rooms.NewRegistry()
	c.verifications = verification.NewTracker()
	c.dispatcher = dispatch.NewDispatcher(c.registry, c.userID, c.verifications)
	c.backfill = backfill.NewCoordinator(c.registry, c.dispatcher, c.cfg.Backfill.PageLimit)
	c.snapshots = internal.NewSnapshotWorker(c.ctx, c.transport, c.cache, c.cfg.Snapshots.Workers, func(res internal.SnapshotResult) {
		c.send(snapshotMsg{result: res})
	})
	c.snapshots.Start()
	c.setState(StateLoggedIn)

	go func() {
		roomIDs, err := c.transport.JoinedRooms(c.ctx)
		c.send(joinedRoomsMsg{roomIDs: roomIDs, err: err})
	}()
	c.startSync()
}

// startSync opens a new live subscription from the last seen token. Items
// are forwarded to the actor in arrival order.
func (c *Client) startSync() {
	since := c.dispatcher.SyncToken()
	c.logger().WithField("since", since).Debug("Starting live sync")
	go func() {
		for item, err := range c.transport.Sync(c.ctx, since) {
			if err != nil {
				c.send(streamEndedMsg{err: err})
				return
			}
			c.send(streamItemMsg{item: item})
		}
		c.send(streamEndedMsg{})
	}()
}

func (c *Client) fetchHistory(req *backfill.Request) {
	go func() {
		resp, err := c.transport.Messages(c.ctx, req)
		c.send(backfillMsg{req: req, resp: resp, err: err})
	}()
}

// handleBackfill starts the request, if any. Exhausted and in-flight rooms
// are not errors the user needs to see.
func (c *Client) handleBackfill(roomID id.RoomID, req *backfill.Request, err error) {
	switch {
	case errors.Is(err, backfill.ErrExhausted), errors.Is(err, backfill.ErrInFlight):
		c.logger().WithError(err).WithField("room_id", roomID).Debug("Not loading history")
	case err != nil:
		c.setBanner("Could not load history", err)
	case req != nil:
		c.fetchHistory(req)
	}
}

func (c *Client) onSnapshot(res internal.SnapshotResult) {
	if res.Err != nil {
		c.setBanner("Could not load room "+string(res.RoomID), res.Err)
		return
	}
	snap := res.Snapshot
	switch snap.Membership {
	case event.MembershipLeave, event.MembershipBan:
		if _, ok := c.registry.Get(res.RoomID); ok {
			c.registry.Remove(res.RoomID)
			c.notify(Change{Kind: ChangeRoomRemoved, RoomID: res.RoomID})
		}
		return
	}
	c.registry.EntryMut(res.RoomID).ApplySnapshot(snap)
	c.notify(Change{Kind: ChangeRoom, RoomID: res.RoomID})
}

func (c *Client) onStreamItem(item dispatch.Item) {
	res := c.dispatcher.Dispatch(item)
	switch {
	case res.Removed:
		c.cache.EvictRoomSnapshot(res.RoomID)
		c.notify(Change{Kind: ChangeRoomRemoved, RoomID: res.RoomID})
		return
	case res.Flow != nil:
		c.notify(Change{Kind: ChangeVerification, Flow: res.Flow})
		return
	case res.RoomID == "":
		return
	}
	if res.Snapshot {
		c.snapshots.QueueRoom(res.RoomID, true)
	}
	if entry, ok := c.registry.Get(res.RoomID); ok && item.Event != nil && entry.Store.Contains(item.Event.ID) {
		c.notify(Change{Kind: ChangeEvent, RoomID: res.RoomID, Event: item.Event})
	}
}

func (c *Client) onStreamEnded(err error) {
	if err == nil || c.ctx.Err() != nil {
		c.logger().Info("Live sync stopped")
		return
	}
	c.setBanner("Live sync failed", err)
	retry := c.cfg.Sync.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	time.AfterFunc(retry, func() {
		c.send(restartSyncMsg{})
	})
}

func (c *Client) onBackfill(msg backfillMsg) {
	roomID := msg.req.RoomID
	if _, ok := c.registry.Get(roomID); !ok {
		c.logger().WithField("room_id", roomID).Debug("Dropping history page for room no longer registered")
		c.backfill.Drop(roomID)
		return
	}
	if msg.err != nil {
		c.setBanner("Could not load history", c.backfill.Fail(msg.req, msg.err))
		return
	}
	added, err := c.backfill.Complete(roomID, msg.resp)
	if err != nil {
		c.logger().WithError(err).WithField("room_id", roomID).Warn("Ignoring history page")
		return
	}
	c.notify(Change{Kind: ChangeHistory, RoomID: roomID, Added: added})
}

func (c *Client) view() View {
	v := View{
		State:  c.state,
		UserID: c.userID,
		Banner: c.banner,
	}
	if c.registry == nil {
		return v
	}
	for _, roomID := range c.registry.RoomIDs(c.sorting) {
		entry, _ := c.registry.Get(roomID)
		v.Rooms = append(v.Rooms, RoomSummary{
			ID:         entry.ID,
			Name:       entry.Name,
			Topic:      entry.Topic,
			Alias:      entry.Alias,
			Tombstone:  entry.Tombstone,
			Membership: string(entry.Membership),
			Events:     entry.Store.Len(),
		})
	}
	if selected, ok := c.registry.Selected(); ok {
		v.Selected = selected
		if entry, ok := c.registry.Get(selected); ok {
			v.Timeline = entry.Store.Events()
		}
		v.Backfill = c.backfill.State(selected)
	}
	v.Verifications = c.verifications.Pending()
	v.SyncToken = c.dispatcher.SyncToken()
	return v
}
