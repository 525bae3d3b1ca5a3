// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package backfill

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "backfill",
			Name:      "requests_total",
			Help:      "Number of history pages requested",
		},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrix",
			Subsystem: "backfill",
			Name:      "request_duration_seconds",
			Help:      "Time from requesting a history page to merging or failing it",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "backfill",
			Name:      "dropped_events_total",
			Help:      "Number of malformed events dropped from history pages",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsStarted, requestDuration, droppedEvents)
}
