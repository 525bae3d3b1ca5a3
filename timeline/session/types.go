// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"context"
	"iter"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/sessionstore"
	"github.com/element-hq/retrix/timeline/backfill"
	"github.com/element-hq/retrix/timeline/dispatch"
	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/types"
	"github.com/element-hq/retrix/timeline/verification"
)

// State is the lifecycle state of the session.
type State int

const (
	// StatePrompt collects credentials.
	StatePrompt State = iota
	// StateAwaitingLogin has one authentication attempt in flight.
	StateAwaitingLogin
	// StateLoggedIn runs the room registry, the live stream and backfill.
	// There is no transition out of it.
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "prompt"
	}
}

// Credentials are what the prompt collects.
type Credentials struct {
	User     string
	Password string
}

// Banner is a dismissible, recoverable error shown to the user.
type Banner struct {
	Message string
	Err     error
}

func (b *Banner) Error() string {
	if b.Err == nil {
		return b.Message
	}
	return b.Message + ": " + b.Err.Error()
}

func (b *Banner) Unwrap() error {
	return b.Err
}

// Transport is the homeserver as seen by the session.
type Transport interface {
	Login(ctx context.Context, user, password, deviceName string) (*sessionstore.Session, error)
	Restore(ctx context.Context, session *sessionstore.Session) error
	UserID() id.UserID
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	Snapshot(ctx context.Context, roomID id.RoomID) (*rooms.Snapshot, error)
	Messages(ctx context.Context, req *backfill.Request) (*backfill.Response, error)
	Sync(ctx context.Context, since string) iter.Seq2[dispatch.Item, error]
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
}

// SessionSaver persists a fresh login.
type SessionSaver interface {
	Save(session *sessionstore.Session) error
}

// RoomSummary is one line of the room list.
type RoomSummary struct {
	ID         id.RoomID
	Name       string
	Topic      string
	Alias      id.RoomAlias
	Tombstone  *rooms.Tombstone
	Membership string
	Events     int
}

// View is a read-only copy of what a front end needs to render.
type View struct {
	State    State
	UserID   id.UserID
	Banner   *Banner
	Rooms    []RoomSummary
	Selected id.RoomID
	// Timeline of the selected room, oldest first.
	Timeline      []*types.Event
	Backfill      backfill.State
	Verifications []*verification.Flow
	SyncToken     string
}

// ChangeKind tags a Change.
type ChangeKind int

const (
	ChangeState ChangeKind = iota
	ChangeEvent
	ChangeRoom
	ChangeRoomRemoved
	ChangeHistory
	ChangeBanner
	ChangeVerification
)

// Change is passed to the notify hook after the session applied something
// a front end may want to show.
type Change struct {
	Kind   ChangeKind
	State  State
	RoomID id.RoomID
	Event  *types.Event
	// Added counts events merged from a history page.
	Added  int
	Banner *Banner
	Flow   *verification.Flow
}
