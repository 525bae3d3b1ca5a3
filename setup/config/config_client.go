// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

type Sync struct {
	// Long-poll timeout sent to the homeserver
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// How long to wait before establishing a new subscription after the
	// live stream fails
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

func (c *Sync) Defaults() {
	c.Timeout = 30 * time.Second
	c.RetryInterval = 5 * time.Second
}

func (c *Sync) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync.timeout", int64(c.Timeout))
	checkPositive(configErrs, "sync.retry_interval", int64(c.RetryInterval))
}

type Backfill struct {
	// Number of events requested per page of history
	PageLimit int `yaml:"page_limit" env:"PAGE_LIMIT"`
}

func (c *Backfill) Defaults() {
	c.PageLimit = 30
}

func (c *Backfill) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "backfill.page_limit", int64(c.PageLimit))
}

type Snapshots struct {
	// Number of concurrent snapshot fetches
	Workers int `yaml:"workers" env:"WORKERS"`
	// Memory bound for cached snapshots
	CacheMaxCost DataUnit `yaml:"cache_max_cost" env:"CACHE_MAX_COST"`
	// How long a cached snapshot is used before it is fetched again
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// How long a failed fetch suppresses further fetches of the same room
	FailureTTL time.Duration `yaml:"failure_ttl" env:"FAILURE_TTL"`
}

func (c *Snapshots) Defaults() {
	c.Workers = 2
	c.CacheMaxCost = 8 * 1024 * 1024
	c.CacheTTL = 10 * time.Minute
	c.FailureTTL = time.Minute
}

func (c *Snapshots) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "snapshots.workers", int64(c.Workers))
	checkPositive(configErrs, "snapshots.cache_max_cost", int64(c.CacheMaxCost))
	checkPositive(configErrs, "snapshots.cache_ttl", int64(c.CacheTTL))
	checkPositive(configErrs, "snapshots.failure_ttl", int64(c.FailureTTL))
}

type Logging struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Log as JSON instead of text
	JSON bool `yaml:"json" env:"JSON"`
}

func (c *Logging) Defaults() {
	c.Level = "info"
	c.JSON = false
}

func (c *Logging) Verify(configErrs *ConfigErrors) {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid log level for config key %q: %s", "logging.level", c.Level))
	}
}

type Metrics struct {
	// Serve /metrics and /healthz
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Address to listen on when enabled
	Listen string `yaml:"listen" env:"LISTEN"`
	// Protect /metrics with HTTP basic auth when both are set
	BasicAuth struct {
		Username string `yaml:"username" env:"USERNAME"`
		Password string `yaml:"password" env:"PASSWORD"`
	} `yaml:"basic_auth" envPrefix:"BASIC_AUTH_"`
}

func (c *Metrics) Defaults() {
	c.Enabled = false
	c.Listen = "localhost:9092"
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		configErrs.Add(fmt.Sprintf("invalid listen address for config key %q: %s", "metrics.listen", c.Listen))
	}
}

type RateLimiting struct {
	// Pace outgoing requests on the client side
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// How many requests can be sent in a burst before pacing applies
	Threshold int64 `yaml:"threshold" env:"THRESHOLD"`

	// The cooloff period in milliseconds after a request before its "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms" env:"COOLOFF_MS"`

	// How often a request rejected with 429 is sent again after waiting for
	// the homeserver's retry_after_ms
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// Per-endpoint overrides keyed by endpoint name, e.g. "rooms/send"
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides" env:"-"`
}

type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (c *RateLimiting) Defaults() {
	c.Enabled = true
	c.Threshold = 5
	c.CooloffMS = 500
	c.MaxRetries = 3
}

func (c *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	checkPositive(configErrs, "rate_limiting.threshold", c.Threshold)
	checkPositive(configErrs, "rate_limiting.cooloff_ms", c.CooloffMS)
	if c.MaxRetries < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "rate_limiting.max_retries", c.MaxRetries))
	}
	for suffix, override := range c.PerEndpointOverrides {
		checkPositive(configErrs, "rate_limiting.per_endpoint_overrides."+suffix+".threshold", override.Threshold)
		checkPositive(configErrs, "rate_limiting.per_endpoint_overrides."+suffix+".cooloff_ms", override.CooloffMS)
	}
}
