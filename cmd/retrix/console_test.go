// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"

	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/session"
	"github.com/element-hq/retrix/timeline/types"
	"github.com/element-hq/retrix/timeline/verification"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "hello there", want: command{kind: cmdSend, arg: "hello there"}},
		{line: "//not a command", want: command{kind: cmdSend, arg: "/not a command"}},
		{line: "/rooms", want: command{kind: cmdRooms}},
		{line: "/room #chat:test", want: command{kind: cmdRoom, arg: "#chat:test"}},
		{line: "/room", wantErr: true},
		{line: "/more", want: command{kind: cmdMore}},
		{line: "/sort recent", want: command{kind: cmdSort, sorting: rooms.SortRecent}},
		{line: "/sort sideways", wantErr: true},
		{line: "/verifications", want: command{kind: cmdVerifications}},
		{line: "/dismiss", want: command{kind: cmdDismiss}},
		{line: "/help", want: command{kind: cmdHelp}},
		{line: "/quit", want: command{kind: cmdQuit}},
		{line: "/exit", want: command{kind: cmdQuit}},
		{line: "/frobnicate", wantErr: true},
		{line: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatEvent(t *testing.T) {
	ts := spec.AsTimestamp(time.Date(2024, 3, 1, 13, 4, 0, 0, time.Local))
	base := func(kind types.Kind) *types.Event {
		return &types.Event{ID: "$e", RoomID: "!room:test", Sender: "@alice:test", Timestamp: ts, Kind: kind}
	}

	msg := base(types.KindMessage)
	msg.Message = &types.MessageContent{Body: "hi"}
	assert.Equal(t, "[13:04 !room] @alice:test: hi", formatEvent(msg))

	edit := base(types.KindMessage)
	edit.Message = &types.MessageContent{Body: "hi!", Relation: types.Relation{Type: types.RelationReplace, Target: "$e"}}
	assert.Equal(t, "[13:04 !room] @alice:test: hi! (edited)", formatEvent(edit))

	redaction := base(types.KindMessage)
	redaction.Message = &types.MessageContent{Relation: types.Relation{Type: types.RelationRedaction, Target: "$e"}}
	assert.Equal(t, "[13:04 !room] @alice:test redacted $e", formatEvent(redaction))

	assert.Equal(t, "[13:04 !room] @alice:test: [redacted]", formatEvent(base(types.KindRedactedMessage)))

	member := base(types.KindState)
	member.State = &types.StateContent{Kind: types.StateMember, Key: "@bob:test", Membership: event.MembershipJoin}
	assert.Equal(t, "[13:04 !room] @alice:test: @bob:test is now join", formatEvent(member))

	name := base(types.KindState)
	name.State = &types.StateContent{Kind: types.StateName, Name: "Chat"}
	assert.Equal(t, `[13:04 !room] @alice:test renamed the room to "Chat"`, formatEvent(name))

	avatar := base(types.KindState)
	avatar.State = &types.StateContent{Kind: types.StateAvatar}
	assert.Empty(t, formatEvent(avatar))
	assert.Empty(t, formatEvent(nil))
}

func TestPrintRooms(t *testing.T) {
	var out bytes.Buffer
	con := newConsole(bufio.NewReader(strings.NewReader("")), &out, readLine)

	con.printRooms(session.View{})
	assert.Equal(t, "No rooms yet.\n", out.String())

	out.Reset()
	con.printRooms(session.View{
		Selected: "!b:test",
		Rooms: []session.RoomSummary{
			{ID: "!a:test", Name: "Alpha", Events: 2, Topic: "first"},
			{ID: "!b:test", Name: "Beta", Tombstone: &rooms.Tombstone{ReplacementRoom: "!c:test"}},
		},
	})
	assert.Equal(t,
		"  Alpha (!a:test) 2 events - first\n"+
			"* Beta (!b:test) 0 events [replaced by !c:test]\n",
		out.String())
}

func TestOnChange(t *testing.T) {
	var out bytes.Buffer
	con := newConsole(bufio.NewReader(strings.NewReader("")), &out, readLine)

	con.onChange(session.Change{Kind: session.ChangeState, State: session.StateLoggedIn})
	assert.True(t, con.loggedIn())
	assert.Equal(t, session.StateLoggedIn, <-con.states)

	con.onChange(session.Change{Kind: session.ChangeHistory, RoomID: "!a:test", Added: 3})
	con.onChange(session.Change{Kind: session.ChangeRoomRemoved, RoomID: "!a:test"})
	con.onChange(session.Change{Kind: session.ChangeBanner, Banner: &session.Banner{Message: "Live sync failed", Err: errors.New("boom")}})
	con.onChange(session.Change{Kind: session.ChangeRoom, RoomID: "!a:test"})
	con.onChange(session.Change{Kind: session.ChangeVerification, Flow: &verification.Flow{TransactionID: "tx", Peer: "@bob:test", Step: verification.StepRequested}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "-- 3 older events in !a:test", lines[0])
	assert.Equal(t, "-- left !a:test", lines[1])
	assert.Equal(t, "! Live sync failed: boom (/dismiss)", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "-- verification tx with @bob:test: "))
}

func TestOnChangeNeverBlocks(t *testing.T) {
	con := newConsole(bufio.NewReader(strings.NewReader("")), io.Discard, readLine)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			con.onChange(session.Change{Kind: session.ChangeState, State: session.StatePrompt})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange blocked on a full state channel")
	}
}

func TestWaitLogin(t *testing.T) {
	con := newConsole(bufio.NewReader(strings.NewReader("")), io.Discard, readLine)

	con.states <- session.StateAwaitingLogin
	con.states <- session.StatePrompt
	assert.ErrorIs(t, con.waitLogin(context.Background()), errLoginFailed)

	con.states <- session.StateLoggedIn
	assert.NoError(t, con.waitLogin(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, con.waitLogin(ctx), context.Canceled)
}

func TestPromptCredentials(t *testing.T) {
	var out bytes.Buffer
	con := newConsole(bufio.NewReader(strings.NewReader(" alice \nsecret\n")), &out, readLine)

	creds, err := con.promptCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Credentials{User: "alice", Password: "secret"}, creds)
	assert.Contains(t, out.String(), "Username: ")
	assert.Contains(t, out.String(), "Password: ")

	_, err = con.promptCredentials(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLine(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("one\r\ntwo"))
	line, err := readLine(in)
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	line, err = readLine(in)
	require.NoError(t, err)
	assert.Equal(t, "two", line)
	_, err = readLine(in)
	assert.ErrorIs(t, err, io.EOF)
}
