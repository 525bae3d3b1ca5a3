// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g. RETRIX_HOMESERVER.
const EnvPrefix = "RETRIX_"

// Retrix contains all the config used by the client. It is passed explicitly
// into the session; nothing reads it from package state.
type Retrix struct {
	// The homeserver to log in to, e.g. https://matrix.org
	Homeserver string `yaml:"homeserver" env:"HOMESERVER"`
	// Display name given to the device created on login.
	DeviceName string `yaml:"device_name" env:"DEVICE_NAME"`
	// Directory holding the saved session.
	DataDir Path `yaml:"data_dir" env:"DATA_DIR"`
	// How the room list is ordered: alphabetic or recent.
	RoomSorting string `yaml:"room_sorting" env:"ROOM_SORTING"`

	Sync      Sync      `yaml:"sync" envPrefix:"SYNC_"`
	Backfill  Backfill  `yaml:"backfill" envPrefix:"BACKFILL_"`
	Snapshots Snapshots `yaml:"snapshots" envPrefix:"SNAPSHOTS_"`
	Logging   Logging   `yaml:"logging" envPrefix:"LOG_"`
	Metrics   Metrics   `yaml:"metrics" envPrefix:"METRICS_"`

	RateLimiting RateLimiting `yaml:"rate_limiting" envPrefix:"RATE_LIMITING_"`
}

// DefaultOpts tweaks the defaults for the environment they are generated in.
type DefaultOpts struct {
	// Generate, when set, fills placeholder values suitable for a sample file.
	Generate bool
}

func (c *Retrix) Defaults(opts DefaultOpts) {
	c.Homeserver = ""
	if opts.Generate {
		c.Homeserver = "https://matrix.org"
	}
	c.DeviceName = "retrix"
	c.DataDir = defaultDataDir()
	c.RoomSorting = "alphabetic"
	c.Sync.Defaults()
	c.Backfill.Defaults()
	c.Snapshots.Defaults()
	c.Logging.Defaults()
	c.Metrics.Defaults()
	c.RateLimiting.Defaults()
}

func (c *Retrix) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver", c.Homeserver)
	if c.Homeserver != "" {
		if u, err := url.Parse(c.Homeserver); err != nil || u.Scheme == "" || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", "homeserver", c.Homeserver))
		}
	}
	checkNotEmpty(configErrs, "device_name", c.DeviceName)
	checkNotEmpty(configErrs, "data_dir", string(c.DataDir))
	switch strings.ToLower(c.RoomSorting) {
	case "alphabetic", "recent":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "room_sorting", c.RoomSorting))
	}
	c.Sync.Verify(configErrs)
	c.Backfill.Verify(configErrs)
	c.Snapshots.Verify(configErrs)
	c.Logging.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
}

// ApplyEnv overrides config values from RETRIX_* environment variables.
func (c *Retrix) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the config file at configPath, if any, on top of the defaults,
// applies environment overrides and verifies the result.
func Load(configPath string) (*Retrix, error) {
	var c Retrix
	c.Defaults(DefaultOpts{})

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err = yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
		logrus.WithField("path", configPath).Debug("Loaded config file")
	}

	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

func defaultDataDir() Path {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./retrix"
	}
	return Path(filepath.Join(dir, "retrix"))
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this configErrs.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrs because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that `value` is (strictly) positive.
// If it isn't, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// Path is a filesystem path. A leading ~ expands to the home directory.
type Path string

func (p Path) Expand() string {
	s := string(p)
	if s == "~" || strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(s, "~"))
		}
	}
	return s
}

// DataUnit is a size in bytes, written in config as e.g. "64mb".
type DataUnit int64

var dataUnitRegexp = regexp.MustCompile(`^(\d+)\s*([kmgt]?b?)$`)

func (d *DataUnit) UnmarshalText(text []byte) error {
	m := dataUnitRegexp.FindStringSubmatch(strings.ToLower(strings.TrimSpace(string(text))))
	if m == nil {
		return fmt.Errorf("invalid data unit %q", text)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid data unit %q: %w", text, err)
	}
	switch strings.TrimSuffix(m[2], "b") {
	case "k":
		v *= 1024
	case "m":
		v *= 1024 * 1024
	case "g":
		v *= 1024 * 1024 * 1024
	case "t":
		v *= 1024 * 1024 * 1024 * 1024
	}
	*d = DataUnit(v)
	return nil
}
