// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/internal/caching"
	"github.com/element-hq/retrix/timeline/rooms"
)

// RoomSnapshotQueuer is an interface for queuing rooms for a snapshot fetch.
// This is implemented by SnapshotWorker and used by the session whenever a
// create or self-join event asks for fresh room metadata.
type RoomSnapshotQueuer interface {
	QueueRoom(roomID id.RoomID, refresh bool)
}

// SnapshotFetcher fetches one room snapshot in a single round trip.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, roomID id.RoomID) (*rooms.Snapshot, error)
}

// SnapshotResult is handed back for every fetch the worker completes.
type SnapshotResult struct {
	RoomID   id.RoomID
	Snapshot *rooms.Snapshot
	Err      error
}

const (
	// Number of concurrent workers fetching snapshots, unless configured
	defaultSnapshotWorkerCount = 2
	// How often to move overflowed rooms back onto the queue
	snapshotRetryInterval = time.Second
	// Queue depth before rooms spill into the retry map
	snapshotQueueSize = 256
)

// SnapshotWorker fetches room snapshots in the background and reports each
// result through a callback. Fetch failures are not retried; they are reported
// and remembered for a while so a burst of state events does not hammer the
// homeserver.
type SnapshotWorker struct {
	ctx      context.Context
	fetcher  SnapshotFetcher
	cache    caching.RoomSnapshotCache
	deliver  func(SnapshotResult)
	workers  int
	workerCh chan id.RoomID
	retryMu  sync.Mutex
	retryMap map[id.RoomID]time.Time
	pending  atomic.Int64
}

// NewSnapshotWorker creates a new snapshot worker. deliver is called from the
// worker goroutines.
func NewSnapshotWorker(
	ctx context.Context,
	fetcher SnapshotFetcher,
	cache caching.RoomSnapshotCache,
	workers int,
	deliver func(SnapshotResult),
) *SnapshotWorker {
	if workers <= 0 {
		workers = defaultSnapshotWorkerCount
	}
	return &SnapshotWorker{
		ctx:      ctx,
		fetcher:  fetcher,
		cache:    cache,
		deliver:  deliver,
		workers:  workers,
		workerCh: make(chan id.RoomID, snapshotQueueSize),
		retryMap: make(map[id.RoomID]time.Time),
	}
}

// Start begins the snapshot worker. This is non-blocking - all work happens
// in background goroutines that stop with the worker's context.
func (w *SnapshotWorker) Start() {
	for i := 0; i < w.workers; i++ {
		go w.worker(i)
	}
	go w.tickerLoop()

	logrus.WithField("workers", w.workers).Debug("Snapshot worker started")
}

// Pending returns the number of rooms queued or being fetched.
func (w *SnapshotWorker) Pending() int64 {
	return w.pending.Load()
}

// QueueRoom schedules a snapshot fetch. A cached snapshot is delivered
// straight away unless refresh is set, in which case the cache entry is
// dropped and the room fetched again.
func (w *SnapshotWorker) QueueRoom(roomID id.RoomID, refresh bool) {
	if refresh {
		w.cache.EvictRoomSnapshot(roomID)
	} else if snap, ok := w.cache.GetRoomSnapshot(roomID); ok {
		w.deliver(SnapshotResult{RoomID: roomID, Snapshot: snap})
		return
	}
	if !refresh && w.cache.GetRoomSnapshotFailure(roomID) {
		logrus.WithField("room_id", roomID).Debug("Skipping snapshot fetch for recently failed room")
		return
	}

	w.pending.Inc()
	select {
	case w.workerCh <- roomID:
	default:
		// Channel full, add to retry map
		w.retryMu.Lock()
		if _, exists := w.retryMap[roomID]; exists {
			w.pending.Dec()
		} else {
			w.retryMap[roomID] = time.Now().Add(snapshotRetryInterval)
		}
		w.retryMu.Unlock()
	}
}

// worker fetches rooms from the channel
func (w *SnapshotWorker) worker(workerID int) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case roomID := <-w.workerCh:
			w.processRoom(workerID, roomID)
			w.pending.Dec()
		}
	}
}

// tickerLoop periodically moves overflowed rooms back onto the queue
func (w *SnapshotWorker) tickerLoop() {
	ticker := time.NewTicker(snapshotRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processRetries()
		}
	}
}

// processRetries moves due items from retryMap back to workerCh
func (w *SnapshotWorker) processRetries() {
	w.retryMu.Lock()
	now := time.Now()
	var toRetry []id.RoomID
	for roomID, retryAt := range w.retryMap {
		if now.After(retryAt) {
			toRetry = append(toRetry, roomID)
		}
	}
	for _, roomID := range toRetry {
		delete(w.retryMap, roomID)
	}
	w.retryMu.Unlock()

	for _, roomID := range toRetry {
		// Already counted as pending when first queued.
		w.pending.Dec()
		w.QueueRoom(roomID, true)
	}
}

// processRoom fetches, caches and delivers the snapshot for a single room
func (w *SnapshotWorker) processRoom(workerID int, roomID id.RoomID) {
	snap, err := w.fetcher.Snapshot(w.ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":   roomID,
			"worker_id": workerID,
		}).Warn("Failed to fetch room snapshot")
		w.cache.StoreRoomSnapshotFailure(roomID)
		w.deliver(SnapshotResult{RoomID: roomID, Err: err})
		return
	}
	snap.RoomID = roomID
	w.cache.StoreRoomSnapshot(snap)
	w.deliver(SnapshotResult{RoomID: roomID, Snapshot: snap})
}
