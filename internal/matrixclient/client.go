// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package matrixclient talks to a homeserver over the Matrix client-server API.
package matrixclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/sessionstore"
)

const clientPrefix = "/_matrix/client/v3"

// ErrNotLoggedIn is returned by calls that need an access token before one is set.
var ErrNotLoggedIn = errors.New("not logged in")

// HTTPError is a non-2xx response from the homeserver.
type HTTPError struct {
	StatusCode int
	ErrCode    string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("homeserver returned %d", e.StatusCode)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSyncTimeout sets the long-poll timeout sent with each sync request.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Client) { c.syncTimeout = d }
}

// WithPageLimit sets the timeline limit of the sync filter.
func WithPageLimit(n int) Option {
	return func(c *Client) { c.pageLimit = n }
}

// Client is the homeserver transport. Login and joined-room listing go
// through gomatrix; the long-running calls use a context-aware request helper
// that shares gomatrix's URL building and credentials.
type Client struct {
	mx          *gomatrix.Client
	http        *http.Client
	deviceID    id.DeviceID
	syncTimeout time.Duration
	pageLimit   int
}

// New returns an unauthenticated client for homeserver.
func New(homeserver string, opts ...Option) (*Client, error) {
	mx, err := gomatrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", homeserver, err)
	}
	mx.Prefix = clientPrefix
	c := &Client{
		mx:          mx,
		http:        &http.Client{Timeout: 90 * time.Second},
		syncTimeout: 30 * time.Second,
		pageLimit:   30,
	}
	for _, opt := range opts {
		opt(c)
	}
	mx.Client = c.http
	return c, nil
}

// UserID returns the logged in user, or "" before login.
func (c *Client) UserID() id.UserID {
	return id.UserID(c.mx.UserID)
}

// DeviceID returns the device of the current login.
func (c *Client) DeviceID() id.DeviceID {
	return c.deviceID
}

// Login authenticates with a password and returns the session to persist.
func (c *Client) Login(ctx context.Context, user, password, deviceName string) (*sessionstore.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.mx.Login(&gomatrix.ReqLogin{
		Type:                     "m.login.password",
		User:                     user,
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", convertError(err))
	}
	c.mx.SetCredentials(resp.UserID, resp.AccessToken)
	c.deviceID = id.DeviceID(resp.DeviceID)

	logrus.WithFields(logrus.Fields{
		"user_id":   resp.UserID,
		"device_id": resp.DeviceID,
	}).Info("Logged in")
	return &sessionstore.Session{
		Homeserver:  c.mx.HomeserverURL.String(),
		UserID:      id.UserID(resp.UserID),
		DeviceID:    id.DeviceID(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}, nil
}

// Restore resumes a saved session and checks the token is still accepted.
func (c *Client) Restore(ctx context.Context, session *sessionstore.Session) error {
	c.mx.SetCredentials(string(session.UserID), session.AccessToken)
	c.deviceID = session.DeviceID

	var whoami struct {
		UserID id.UserID `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, c.mx.BuildURL("account", "whoami"), nil, &whoami); err != nil {
		c.mx.ClearCredentials()
		return fmt.Errorf("restoring session: %w", err)
	}
	if whoami.UserID != session.UserID {
		c.mx.ClearCredentials()
		return fmt.Errorf("restoring session: token belongs to %s, not %s", whoami.UserID, session.UserID)
	}
	logrus.WithField("user_id", session.UserID).Info("Restored session")
	return nil
}

// JoinedRooms lists the rooms the user is joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	if c.mx.AccessToken == "" {
		return nil, ErrNotLoggedIn
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.mx.JoinedRooms()
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", convertError(err))
	}
	rooms := make([]id.RoomID, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		rooms = append(rooms, id.RoomID(roomID))
	}
	return rooms, nil
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	if c.mx.AccessToken == "" {
		return ErrNotLoggedIn
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid request URL: %w", err)
	}
	// Credentials travel in the header only.
	q := u.Query()
	q.Del("access_token")
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.mx.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint: errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newHTTPError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newHTTPError(status int, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: status,
		ErrCode:    gjson.GetBytes(body, "errcode").String(),
		Message:    gjson.GetBytes(body, "error").String(),
	}
}

// convertError turns gomatrix's error types into HTTPError.
func convertError(err error) error {
	var httpErr gomatrix.HTTPError
	var httpErrPtr *gomatrix.HTTPError
	switch {
	case errors.As(err, &httpErrPtr):
		httpErr = *httpErrPtr
	case errors.As(err, &httpErr):
	default:
		return err
	}
	out := &HTTPError{StatusCode: httpErr.Code, Message: httpErr.Message}
	switch respErr := any(httpErr.WrappedError).(type) {
	case gomatrix.RespError:
		out.ErrCode, out.Message = respErr.ErrCode, respErr.Err
	case *gomatrix.RespError:
		out.ErrCode, out.Message = respErr.ErrCode, respErr.Err
	}
	return out
}
