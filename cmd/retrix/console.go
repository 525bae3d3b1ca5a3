// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/sessionstore"
	"github.com/element-hq/retrix/timeline/rooms"
	"github.com/element-hq/retrix/timeline/session"
	"github.com/element-hq/retrix/timeline/types"
)

var errQuit = errors.New("quit")

type commandKind int

const (
	cmdSend commandKind = iota
	cmdRooms
	cmdRoom
	cmdMore
	cmdSort
	cmdVerifications
	cmdDismiss
	cmdHelp
	cmdQuit
)

type command struct {
	kind    commandKind
	arg     string
	sorting rooms.Sorting
}

// parseCommand reads one line of input. Lines not starting with a slash are
// messages; "//" escapes a leading slash.
func parseCommand(line string) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return command{}, errors.New("empty input")
	}
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{kind: cmdSend, arg: strings.TrimPrefix(line, "/")}, nil
	}
	name, arg, _ := strings.Cut(strings.TrimSpace(line[1:]), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "rooms":
		return command{kind: cmdRooms}, nil
	case "room":
		if arg == "" {
			return command{}, errors.New("usage: /room <id|alias>")
		}
		return command{kind: cmdRoom, arg: arg}, nil
	case "more":
		return command{kind: cmdMore}, nil
	case "sort":
		sorting, err := rooms.ParseSorting(arg)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdSort, sorting: sorting}, nil
	case "verifications":
		return command{kind: cmdVerifications}, nil
	case "dismiss":
		return command{kind: cmdDismiss}, nil
	case "help":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

// console is the terminal front end. It only talks to the session through
// its public operations.
type console struct {
	in       *bufio.Reader
	password func(*bufio.Reader) (string, error)
	client   *session.Client

	outMu sync.Mutex
	out   io.Writer

	states chan session.State
	logged atomic.Bool
}

func newConsole(in *bufio.Reader, out io.Writer, password func(*bufio.Reader) (string, error)) *console {
	return &console{
		in:       in,
		out:      out,
		password: password,
		states:   make(chan session.State, 16),
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...) // nolint: errcheck
}

func (c *console) loggedIn() bool {
	return c.logged.Load()
}

// onChange runs on the session actor, so it must neither block nor call
// back into the session.
func (c *console) onChange(change session.Change) {
	switch change.Kind {
	case session.ChangeState:
		c.logged.Store(change.State == session.StateLoggedIn)
		select {
		case c.states <- change.State:
		default:
			logrus.WithField("state", change.State.String()).Warn("Dropping state change")
		}
	case session.ChangeEvent:
		if line := formatEvent(change.Event); line != "" {
			c.printf("%s\n", line)
		}
	case session.ChangeHistory:
		c.printf("-- %d older events in %s\n", change.Added, change.RoomID)
	case session.ChangeRoomRemoved:
		c.printf("-- left %s\n", change.RoomID)
	case session.ChangeBanner:
		if change.Banner != nil {
			c.printf("! %s (/dismiss)\n", change.Banner.Error())
		}
	case session.ChangeVerification:
		f := change.Flow
		c.printf("-- verification %s with %s: %s\n", f.TransactionID, f.Peer, f.Step)
	}
}

// login restores the saved session if there is one for homeserver, and
// prompts for credentials until a login succeeds.
func (c *console) login(ctx context.Context, store *sessionstore.Store, homeserver string) error {
	saved, err := store.Load()
	switch {
	case err == nil && saved.Homeserver == homeserver:
		c.client.Restore(saved)
		if err = c.waitLogin(ctx); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.printf("Saved session was rejected, please log in again.\n")
	case err == nil:
		logrus.WithField("homeserver", saved.Homeserver).Info("Ignoring session saved for another homeserver")
	case !errors.Is(err, sessionstore.ErrNoSession):
		return err
	}

	for {
		creds, err := c.promptCredentials(ctx)
		if err != nil {
			return err
		}
		c.client.Submit(creds)
		if err = c.waitLogin(ctx); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
}

var errLoginFailed = errors.New("login failed")

func (c *console) waitLogin(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-c.states:
			switch state {
			case session.StateLoggedIn:
				c.printf("Logged in. Type /help for commands.\n")
				return nil
			case session.StatePrompt:
				return errLoginFailed
			}
		}
	}
}

func (c *console) promptCredentials(ctx context.Context) (session.Credentials, error) {
	c.printf("Username: ")
	user, err := c.read(ctx, readLine)
	if err != nil {
		return session.Credentials{}, err
	}
	c.printf("Password: ")
	password, err := c.read(ctx, c.password)
	c.printf("\n")
	if err != nil {
		return session.Credentials{}, err
	}
	return session.Credentials{User: strings.TrimSpace(user), Password: password}, nil
}

// read runs one blocking read so that ctx can interrupt the wait. Reads are
// never concurrent; an interrupted one is abandoned with the process.
func (c *console) read(ctx context.Context, fn func(*bufio.Reader) (string, error)) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := fn(c.in)
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// commands reads and runs commands until EOF, /quit or ctx ends.
func (c *console) commands(ctx context.Context) error {
	for {
		line, err := c.read(ctx, readLine)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		cmd, err := parseCommand(line)
		if err != nil {
			if strings.TrimSpace(line) != "" {
				c.printf("! %s\n", err)
			}
			continue
		}
		if err = c.execute(cmd); errors.Is(err, errQuit) {
			return nil
		}
	}
}

func (c *console) execute(cmd command) error {
	switch cmd.kind {
	case cmdSend:
		c.client.Send("", cmd.arg)
	case cmdRoom:
		c.client.SelectRoom(cmd.arg)
	case cmdMore:
		c.client.LoadMore("")
	case cmdSort:
		c.client.SetSorting(cmd.sorting)
		c.client.View(c.printRooms)
	case cmdRooms:
		c.client.View(c.printRooms)
	case cmdVerifications:
		c.client.View(c.printVerifications)
	case cmdDismiss:
		c.client.DismissError()
	case cmdHelp:
		c.printf("%s\n", helpText)
	case cmdQuit:
		return errQuit
	}
	return nil
}

const helpText = `/rooms, /room <id|alias>, /more, /sort alphabetic|recent, /verifications, /dismiss, /quit
anything else is sent to the selected room`

func (c *console) printRooms(v session.View) {
	if len(v.Rooms) == 0 {
		c.printf("No rooms yet.\n")
		return
	}
	var b strings.Builder
	for _, r := range v.Rooms {
		marker := " "
		if r.ID == v.Selected {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s (%s) %d events", marker, r.Name, r.ID, r.Events)
		if r.Topic != "" {
			fmt.Fprintf(&b, " - %s", r.Topic)
		}
		if r.Tombstone != nil {
			fmt.Fprintf(&b, " [replaced by %s]", r.Tombstone.ReplacementRoom)
		}
		b.WriteByte('\n')
	}
	c.printf("%s", b.String())
}

func (c *console) printVerifications(v session.View) {
	if len(v.Verifications) == 0 {
		c.printf("No verifications in progress.\n")
		return
	}
	for _, f := range v.Verifications {
		c.printf("%s with %s (%s): %s\n", f.TransactionID, f.Peer, f.FromDevice, f.Step)
	}
}

// formatEvent renders a live event as one line, or "" for events not worth
// printing.
func formatEvent(ev *types.Event) string {
	if ev == nil {
		return ""
	}
	ts := ev.Timestamp.Time().Format("15:04")
	prefix := fmt.Sprintf("[%s %s] %s", ts, shortRoom(ev.RoomID), ev.Sender)
	switch ev.Kind {
	case types.KindRedactedMessage:
		return prefix + ": [redacted]"
	case types.KindMessage:
		msg := ev.Message
		switch msg.Relation.Type {
		case types.RelationRedaction:
			return fmt.Sprintf("%s redacted %s", prefix, msg.Relation.Target)
		case types.RelationReplace:
			return fmt.Sprintf("%s: %s (edited)", prefix, msg.Body)
		}
		return fmt.Sprintf("%s: %s", prefix, msg.Body)
	case types.KindState:
		st := ev.State
		switch st.Kind {
		case types.StateName:
			return fmt.Sprintf("%s renamed the room to %q", prefix, st.Name)
		case types.StateTopic:
			return fmt.Sprintf("%s set the topic to %q", prefix, st.Topic)
		case types.StateMember:
			return fmt.Sprintf("%s: %s is now %s", prefix, st.Key, st.Membership)
		case types.StateTombstone:
			return fmt.Sprintf("%s replaced the room with %s", prefix, st.ReplacementRoom)
		}
	}
	return ""
}

func shortRoom(roomID id.RoomID) string {
	s := string(roomID)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
