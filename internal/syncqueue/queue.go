// Package syncqueue maintains the persisted index of records awaiting transmission.
// The queue is derived state: LocalStore sync statuses are authoritative and the
// queue rows are repaired from them whenever they drift.
package syncqueue

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("local store is required")
	noOpLogger      = zap.NewNop()
)

// Config wires the queue dependencies.
type Config struct {
	Store  *deliveries.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Queue tracks which records still need to reach the remote store.
type Queue struct {
	store  *deliveries.Store
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Within returns a queue operating on the given transactional store.
func (q *Queue) Within(tx *deliveries.Store) *Queue {
	return &Queue{store: tx, clock: q.clock, logger: q.logger}
}

// Enqueue marks the record pending_sync, persists it and records queue membership.
// A record that failed before keeps its retry count. Enqueueing twice is harmless.
func (q *Queue) Enqueue(ctx context.Context, record deliveries.DeliveryRequest) (deliveries.DeliveryRequest, error) {
	var saved deliveries.DeliveryRequest
	err := q.store.Transaction(ctx, func(tx *deliveries.Store) error {
		record.SetSyncStatus(deliveries.SyncStatusPendingSync)
		record.NextAttemptAtMillis = 0
		stored, err := tx.Upsert(ctx, record)
		if err != nil {
			return err
		}
		if err := tx.PutQueueEntry(ctx, stored.LocalID, q.clock().UTC().UnixMilli()); err != nil {
			return err
		}
		saved = stored
		return nil
	})
	if err != nil {
		return deliveries.DeliveryRequest{}, err
	}
	return saved, nil
}

// Clear drops the queue row for the record. The record itself is untouched.
func (q *Queue) Clear(ctx context.Context, localID string) error {
	return q.store.DeleteQueueEntry(ctx, localID)
}

// Snapshot returns the records currently awaiting sync, oldest first. The
// result is computed from LocalStore; queue rows that disagree are repaired.
func (q *Queue) Snapshot(ctx context.Context) ([]deliveries.DeliveryRequest, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := q.store.ListQueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	if !sameMembership(pending, entries) {
		q.logger.Warn("sync queue drift repaired",
			zap.Int("pending_records", len(pending)),
			zap.Int("queue_rows", len(entries)))
		if err := q.store.ReplaceQueueEntries(ctx, q.entriesFor(pending, entries)); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// Rebuild recreates all queue rows by scanning LocalStore.
func (q *Queue) Rebuild(ctx context.Context) (int, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := q.store.ListQueueEntries(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.store.ReplaceQueueEntries(ctx, q.entriesFor(pending, entries)); err != nil {
		return 0, err
	}
	q.logger.Info("sync queue rebuilt", zap.Int("pending_records", len(pending)))
	return len(pending), nil
}

// Len returns the number of records awaiting sync.
func (q *Queue) Len(ctx context.Context) (int, error) {
	count, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Contains reports whether the record identified by localID or serverID is awaiting sync.
func (q *Queue) Contains(ctx context.Context, id string) (bool, error) {
	record, err := q.store.Get(ctx, id)
	if errors.Is(err, deliveries.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.SyncStatus.Pending(), nil
}

// entriesFor keeps the original enqueue time of rows that are still valid.
func (q *Queue) entriesFor(pending []deliveries.DeliveryRequest, existing []deliveries.QueueEntry) []deliveries.QueueEntry {
	enqueuedAt := make(map[string]int64, len(existing))
	for _, entry := range existing {
		enqueuedAt[entry.LocalID] = entry.EnqueuedAtMillis
	}
	entries := make([]deliveries.QueueEntry, 0, len(pending))
	for _, record := range pending {
		at, ok := enqueuedAt[record.LocalID]
		if !ok {
			at = record.UpdatedAtMillis
		}
		entries = append(entries, deliveries.QueueEntry{LocalID: record.LocalID, EnqueuedAtMillis: at})
	}
	return entries
}

func sameMembership(pending []deliveries.DeliveryRequest, entries []deliveries.QueueEntry) bool {
	if len(pending) != len(entries) {
		return false
	}
	members := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		members[entry.LocalID] = struct{}{}
	}
	for _, record := range pending {
		if _, ok := members[record.LocalID]; !ok {
			return false
		}
	}
	return true
}
