// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sessionstore persists the login session between runs.
package sessionstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
	"maunium.net/go/mautrix/id"
)

// FileName is the name of the session file inside the data directory.
const FileName = "session.yaml"

// ErrNoSession is returned by Load when no session has been saved.
var ErrNoSession = errors.New("no saved session")

// Session is what is needed to resume a login without credentials.
type Session struct {
	Homeserver  string      `yaml:"homeserver"`
	UserID      id.UserID   `yaml:"user_id"`
	DeviceID    id.DeviceID `yaml:"device_id"`
	AccessToken string      `yaml:"access_token"`
}

// Valid reports whether every field needed to restore the session is set.
func (s *Session) Valid() bool {
	return s != nil && s.Homeserver != "" && s.UserID != "" && s.AccessToken != ""
}

// Store reads and writes the session file in one directory.
type Store struct {
	dir string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the location of the session file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the saved session.
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var session Session
	if err = yaml.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", s.Path(), err)
	}
	if !session.Valid() {
		logrus.WithField("path", s.Path()).Warn("Ignoring incomplete session file")
		return nil, ErrNoSession
	}
	return &session, nil
}

// Save writes the session, readable only by the current user.
func (s *Store) Save(session *Session) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := yaml.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp := s.Path() + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err = os.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	logrus.WithField("user_id", session.UserID).Debug("Saved session")
	return nil
}

// Remove deletes the saved session. It is not an error if none exists.
func (s *Store) Remove() error {
	err := os.Remove(s.Path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
