// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "dispatch",
			Name:      "items_total",
			Help:      "Number of live stream items dispatched, by item kind and event kind",
		},
		[]string{"item", "event"},
	)
	removedRooms = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retrix",
			Subsystem: "dispatch",
			Name:      "rooms_removed_total",
			Help:      "Number of rooms removed because the local user left",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchedItems, removedRooms)
}

func observeItem(item Item) {
	eventKind := "none"
	switch {
	case item.Event != nil:
		eventKind = item.Event.Kind.String()
	case item.ToDevice != nil && item.ToDevice.IsVerification():
		eventKind = "verification"
	case item.ToDevice != nil:
		eventKind = "other"
	}
	dispatchedItems.WithLabelValues(item.Kind.String(), eventKind).Inc()
}
