// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/types"
)

// DefaultPageLimit bounds the number of events asked for per page.
const DefaultPageLimit = 30

var (
	// ErrExhausted is returned when the room's history has been fully loaded.
	ErrExhausted = errors.New("room history already fully loaded")
	// ErrInFlight is returned when a request for the room is already outstanding.
	ErrInFlight = errors.New("backfill already in flight for room")
	// ErrNotLoading is returned when a response arrives for a room with no outstanding request.
	ErrNotLoading = errors.New("no backfill outstanding for room")
)

// State is the pagination state of one room.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// Direction of a pagination request. Only backwards pagination is issued.
type Direction string

const Backward Direction = "b"

// Request asks the transport for one page of older history.
type Request struct {
	RoomID    id.RoomID
	Direction Direction
	From      string
	Limit     int
}

// Response is one page as returned by the transport.
type Response struct {
	Chunk []json.RawMessage
	State []json.RawMessage
	Start string
	End   string
}

// Error is a recoverable pagination failure. Cursors are untouched so the same
// request can be issued again.
type Error struct {
	RoomID id.RoomID
	From   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("loading history for %s: %v", e.RoomID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TokenSource supplies the live stream position, the last-resort starting
// point for rooms that have never been paginated.
type TokenSource interface {
	SyncToken() string
}

// Coordinator decides when to request older history for a room and merges
// the pages into the room's store.
//
// Coordinator is not safe for concurrent use; requests are executed elsewhere
// and their results handed back through Complete or Fail.
type Coordinator struct {
	registry  *rooms.Registry
	tokens    TokenSource
	pageLimit int
	started   map[id.RoomID]time.Time
}

// NewCoordinator returns a coordinator over registry. A pageLimit of zero or
// less uses DefaultPageLimit.
func NewCoordinator(registry *rooms.Registry, tokens TokenSource, pageLimit int) *Coordinator {
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &Coordinator{
		registry:  registry,
		tokens:    tokens,
		pageLimit: pageLimit,
		started:   make(map[id.RoomID]time.Time),
	}
}

// State reports the pagination state of a room.
func (c *Coordinator) State(roomID id.RoomID) State {
	entry, ok := c.registry.Get(roomID)
	if !ok {
		return StateIdle
	}
	switch {
	case entry.Store.Loading():
		return StateLoading
	case entry.Store.HasBeginning() || entry.Store.ReachedStart():
		return StateExhausted
	default:
		return StateIdle
	}
}

// OnSelect returns the request to issue when a room becomes active, or nil if
// the room already has events.
func (c *Coordinator) OnSelect(roomID id.RoomID) (*Request, error) {
	entry := c.registry.EntryMut(roomID)
	if entry.Store.Len() > 0 {
		return nil, nil
	}
	return c.LoadMore(roomID)
}

// LoadMore returns the request for the next older page and marks the room as
// loading.
func (c *Coordinator) LoadMore(roomID id.RoomID) (*Request, error) {
	switch c.State(roomID) {
	case StateLoading:
		return nil, ErrInFlight
	case StateExhausted:
		return nil, ErrExhausted
	}

	entry := c.registry.EntryMut(roomID)
	req := &Request{
		RoomID:    roomID,
		Direction: Backward,
		From:      c.fromToken(entry),
		Limit:     c.pageLimit,
	}
	entry.Store.SetLoading(true)
	c.started[roomID] = time.Now()
	requestsStarted.Inc()

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"from":    req.From,
		"limit":   req.Limit,
	}).Debug("Requesting older history")
	return req, nil
}

// fromToken picks the token to paginate from: the store's own end cursor,
// then the room's last known server token, then the live stream position.
func (c *Coordinator) fromToken(entry *rooms.Entry) string {
	if end := entry.Store.EndCursor(); end != "" {
		return end
	}
	if entry.LastKnownCursor != "" {
		return entry.LastKnownCursor
	}
	if c.tokens != nil {
		return c.tokens.SyncToken()
	}
	return ""
}

// Complete merges a page into the room's store. Malformed events are dropped;
// the rest of the page still applies. The room need not be selected any more.
func (c *Coordinator) Complete(roomID id.RoomID, resp *Response) (int, error) {
	entry := c.registry.EntryMut(roomID)
	if !entry.Store.Loading() {
		c.finish(roomID, "dropped")
		return 0, ErrNotLoading
	}
	c.finish(roomID, "success")

	chunk, droppedChunk := types.ParseEvents(roomID, resp.Chunk)
	state, droppedState := types.ParseEvents(roomID, resp.State)
	if dropped := droppedChunk + droppedState; dropped > 0 {
		droppedEvents.Add(float64(dropped))
	}
	added := entry.Store.Append(append(chunk, state...))
	entry.Store.SetCursors(resp.Start, resp.End)
	entry.Store.SetLoading(false)

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"added":   added,
		"start":   resp.Start,
		"end":     resp.End,
		"state":   c.State(roomID).String(),
	}).Debug("Merged history page")
	return added, nil
}

// Fail clears the loading flag after a failed request and returns the error
// to show the user. The cursor is unchanged so a retry reuses the same token.
func (c *Coordinator) Fail(req *Request, err error) error {
	if entry, ok := c.registry.Get(req.RoomID); ok {
		entry.Store.SetLoading(false)
	}
	c.finish(req.RoomID, "failure")

	logrus.WithError(err).WithField("room_id", req.RoomID).Warn("Failed to load history")
	return &Error{RoomID: req.RoomID, From: req.From, Err: err}
}

// Drop forgets the outstanding request of a room whose page will never be
// merged, e.g. because the room left the registry while it was loading.
func (c *Coordinator) Drop(roomID id.RoomID) {
	if entry, ok := c.registry.Get(roomID); ok {
		entry.Store.SetLoading(false)
	}
	c.finish(roomID, "dropped")
}

func (c *Coordinator) finish(roomID id.RoomID, outcome string) {
	started, ok := c.started[roomID]
	if !ok {
		return
	}
	delete(c.started, roomID)
	requestDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}
