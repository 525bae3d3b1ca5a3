// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/element-hq/retrix/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "client",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests the homeserver rejected with 429",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "client",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests let through by client side pacing",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

const clientPathPrefix = "/_matrix/client/"

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

// RateLimits paces outgoing requests per endpoint and retries requests the
// homeserver rejected as rate limited.
type RateLimits struct {
	limits        map[string]*rate.Limiter
	mutex         sync.Mutex
	enabled       bool
	maxRetries    int
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:     make(map[string]*rate.Limiter),
		enabled:    cfg.Enabled,
		maxRetries: cfg.MaxRetries,
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint: make(map[string]limiterConfig),
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	return l
}

// Wait blocks until req may be sent or its context ends.
func (l *RateLimits) Wait(req *http.Request) error {
	endpoint := endpointLabel(req)
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}
	cfg := l.defaultConfig
	if override, ok := l.perEndpoint[endpoint]; ok {
		cfg = override
	}
	if limiter := l.getLimiter(endpoint, cfg); limiter != nil {
		if err := limiter.Wait(req.Context()); err != nil {
			return err
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

// getLimiter retrieves or creates the token bucket for an endpoint:
//
//	requestsPerSecond = threshold × (1 second / cooloff)
//	burst = threshold
//
// A nil limiter means the endpoint is not paced (cooloff <= 0).
func (l *RateLimits) getLimiter(key string, cfg limiterConfig) *rate.Limiter {
	if cfg.cooloff <= 0 || cfg.threshold <= 0 {
		return nil
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if limiter, ok := l.limits[key]; ok {
		return limiter
	}
	requestsPerSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))
	limiter := rate.NewLimiter(requestsPerSecond, int(cfg.threshold))
	l.limits[key] = limiter
	return limiter
}

// Transport wraps next so every request is paced, and 429 responses are
// retried after the delay the homeserver asks for.
func (l *RateLimits) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &rateLimitedTransport{next: next, limits: l}
}

type rateLimitedTransport struct {
	next   http.RoundTripper
	limits *RateLimits
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := t.limits.Wait(req); err != nil {
			return nil, err
		}
		resp, err := t.next.RoundTrip(req)
		if err != nil || resp.StatusCode != http.StatusTooManyRequests {
			return resp, err
		}

		endpoint := endpointLabel(req)
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		// A body we cannot replay means the 429 goes back to the caller.
		if !t.limits.enabled || attempt >= t.limits.maxRetries || (req.Body != nil && req.GetBody == nil) {
			return resp, nil
		}

		delay := retryAfter(resp, t.limits.defaultConfig.cooloff)
		_ = resp.Body.Close()
		logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt + 1,
			"delay":    delay,
		}).Warn("Rate limited by homeserver, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req = req.Clone(req.Context())
			req.Body = body
		}
	}
}

// retryAfter reads retry_after_ms from a Matrix M_LIMIT_EXCEEDED body, then
// the Retry-After header, falling back to def.
func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if ms := gjson.GetBytes(body, "retry_after_ms"); ms.Exists() && ms.Int() > 0 {
		return time.Duration(ms.Int()) * time.Millisecond
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if def <= 0 {
		def = time.Second
	}
	return def
}

// endpointLabel reduces a client-server API path to a low-cardinality name:
// "/_matrix/client/v3/sync" is "sync" and
// "/_matrix/client/v3/rooms/{roomID}/messages" is "rooms/messages".
func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	path := req.URL.Path
	if !strings.HasPrefix(path, clientPathPrefix) {
		return "other"
	}
	// Drop the prefix and the version segment.
	parts := strings.Split(strings.TrimPrefix(path, clientPathPrefix), "/")
	if len(parts) < 2 {
		return "other"
	}
	parts = parts[1:]
	switch {
	case parts[0] == "rooms" && len(parts) >= 3:
		return "rooms/" + parts[2]
	case parts[0] == "user" && len(parts) >= 3:
		return "user/" + parts[2]
	default:
		return parts[0]
	}
}
