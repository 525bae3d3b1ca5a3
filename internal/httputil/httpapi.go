// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package httputil holds the HTTP plumbing shared by the client: the
// instrumented and rate limited transport used to reach the homeserver, and
// the router serving metrics.
package httputil

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var clientRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "retrix",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Time spent on requests to the homeserver",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"endpoint", "code"},
)

func init() {
	prometheus.MustRegister(clientRequestDuration)
}

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics.
// Auth is disabled unless both the username and the password are set.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// NewMetricsRouter serves /metrics from the default registry and /healthz,
// which answers 503 while ready reports false.
func NewMetricsRouter(b BasicAuth, ready func() bool) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", WrapHandlerInBasicAuth(promhttp.Handler(), b)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

// InstrumentTransport records the duration of every request sent through next.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(req)
		code := "error"
		if err == nil {
			code = strconv.Itoa(resp.StatusCode)
		}
		clientRequestDuration.WithLabelValues(endpointLabel(req), code).Observe(time.Since(start).Seconds())
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
