// Package repository is the entry point callers use to create and change
// delivery requests. Every mutation lands in LocalStore first; the remote
// store is only contacted through the sync engine.
package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/syncengine"
	"github.com/MarcoPoloResearchLab/courier/internal/syncqueue"
	"go.uber.org/zap"
)

const (
	opRepositoryNew = "repository.new"
	opCreate        = "repository.create"
	opUpdate        = "repository.update"
	opDelete        = "repository.delete"
	opRetry         = "repository.retry"
)

var (
	errMissingStore        = errors.New("local store is required")
	errMissingQueue        = errors.New("sync queue is required")
	errMissingSyncer       = errors.New("sync engine is required")
	errMissingConnectivity = errors.New("connectivity state is required")
	noOpLogger             = zap.NewNop()
)

// Syncer is the part of the sync engine the repository drives.
type Syncer interface {
	SyncAll(ctx context.Context, trigger syncengine.Trigger) (syncengine.Result, error)
	SyncOne(ctx context.Context, id string, trigger syncengine.Trigger) (syncengine.Result, error)
	Retry(ctx context.Context, id string) (deliveries.DeliveryRequest, error)
}

// ConnectivityState exposes the current online flag.
type ConnectivityState interface {
	IsOnline() bool
}

// Config wires the repository.
type Config struct {
	Store        *deliveries.Store
	Queue        *syncqueue.Queue
	Syncer       Syncer
	Connectivity ConnectivityState
	IDProvider   deliveries.IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Status summarises the local sync backlog.
type Status struct {
	PendingRecords int64
	PendingUpdates int64
	Online         bool
	LastSync       *deliveries.SyncLogEntry
}

// Repository composes LocalStore, SyncQueue and SyncEngine.
type Repository struct {
	store        *deliveries.Store
	queue        *syncqueue.Queue
	syncer       Syncer
	connectivity ConnectivityState
	ids          deliveries.IDProvider
	clock        func() time.Time
	logger       *zap.Logger
}

// New constructs a Repository.
func New(cfg Config) (*Repository, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%s: %w", opRepositoryNew, errMissingStore)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%s: %w", opRepositoryNew, errMissingQueue)
	case cfg.Syncer == nil:
		return nil, fmt.Errorf("%s: %w", opRepositoryNew, errMissingSyncer)
	case cfg.Connectivity == nil:
		return nil, fmt.Errorf("%s: %w", opRepositoryNew, errMissingConnectivity)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = deliveries.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{
		store:        cfg.Store,
		queue:        cfg.Queue,
		syncer:       cfg.Syncer,
		connectivity: cfg.Connectivity,
		ids:          ids,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Create validates the payload, stores a new pending_sync record and, when
// online, attempts to sync it right away. The returned record reflects the
// outcome of that attempt.
func (r *Repository) Create(ctx context.Context, payload deliveries.Payload) (deliveries.DeliveryRequest, error) {
	payload = payload.Normalize()
	if err := payload.Validate(); err != nil {
		return deliveries.DeliveryRequest{}, err
	}
	rawID, err := r.ids.NewID()
	if err != nil {
		r.logError(opCreate, "id_generation_failed", err)
		return deliveries.DeliveryRequest{}, fmt.Errorf("%s: %w", opCreate, err)
	}
	localID, err := deliveries.NewLocalID(rawID)
	if err != nil {
		return deliveries.DeliveryRequest{}, err
	}

	record := payload.NewRecord(localID, r.nowMillis())
	saved, err := r.queue.Enqueue(ctx, record)
	if err != nil {
		r.logError(opCreate, "persist_failed", err, zap.String("local_id", record.LocalID))
		return deliveries.DeliveryRequest{}, err
	}
	return r.syncIfOnline(ctx, saved, syncengine.TriggerCreate)
}

// Update merges the change set into the stored record and queues it again.
// Records already known to the remote store keep the change set for replay.
func (r *Repository) Update(ctx context.Context, id string, changes deliveries.Changes) (deliveries.DeliveryRequest, error) {
	changes = changes.Normalize()
	if err := changes.Validate(); err != nil {
		return deliveries.DeliveryRequest{}, err
	}

	nowMillis := r.nowMillis()
	var saved deliveries.DeliveryRequest
	err := r.store.Transaction(ctx, func(tx *deliveries.Store) error {
		updated, err := tx.Mutate(ctx, id, func(record *deliveries.DeliveryRequest) error {
			changes.ApplyTo(record)
			record.LocalVersion++
			record.UpdatedAtMillis = nowMillis
			return nil
		})
		if err != nil {
			return err
		}
		if _, known := updated.ServerIDValue(); known {
			if _, err := tx.AppendPendingUpdate(ctx, updated.LocalID, changes, nowMillis); err != nil {
				return err
			}
		}
		saved, err = r.queue.Within(tx).Enqueue(ctx, updated)
		return err
	})
	if err != nil {
		if deliveries.IsStorageError(err) {
			r.logError(opUpdate, "persist_failed", err, zap.String("id", id))
		}
		return deliveries.DeliveryRequest{}, err
	}
	return r.syncIfOnline(ctx, saved, syncengine.TriggerUpdate)
}

// Delete removes the record locally. The remote store is not told.
func (r *Repository) Delete(ctx context.Context, id string) (deliveries.DeliveryRequest, error) {
	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		return deliveries.DeliveryRequest{}, err
	}
	r.logger.Info("delivery request deleted locally",
		zap.String("operation", opDelete),
		zap.String("local_id", deleted.LocalID))
	return deleted, nil
}

// Get returns the local view of a record by local or server identifier.
func (r *Repository) Get(ctx context.Context, id string) (deliveries.DeliveryRequest, error) {
	return r.store.Get(ctx, id)
}

// List yields every record, newest first.
func (r *Repository) List(ctx context.Context) iter.Seq2[deliveries.DeliveryRequest, error] {
	return r.store.ListAll(ctx)
}

// Retry moves a failed record back into the sync cycle without resetting its retry count.
func (r *Repository) Retry(ctx context.Context, id string) (deliveries.DeliveryRequest, error) {
	record, err := r.syncer.Retry(ctx, id)
	if err != nil {
		if deliveries.IsStorageError(err) {
			r.logError(opRetry, "requeue_failed", err, zap.String("id", id))
		}
		return deliveries.DeliveryRequest{}, err
	}
	return record, nil
}

// Sync runs a caller-invoked sync of every pending record.
func (r *Repository) Sync(ctx context.Context) (syncengine.Result, error) {
	return r.syncer.SyncAll(ctx, syncengine.TriggerManual)
}

// History returns the sync log of one record, newest first. Logs of a
// deleted record stay reachable through its local identifier.
func (r *Repository) History(ctx context.Context, id string) ([]deliveries.SyncLogEntry, error) {
	requestID := id
	record, err := r.store.Get(ctx, id)
	switch {
	case err == nil:
		requestID = record.LocalID
	case !errors.Is(err, deliveries.ErrNotFound):
		return nil, err
	}
	return r.store.ListLogs(ctx, requestID)
}

// RecentHistory returns up to limit log entries across all records.
func (r *Repository) RecentHistory(ctx context.Context, limit int) ([]deliveries.SyncLogEntry, error) {
	return r.store.ListRecentLogs(ctx, limit)
}

// ClearHistory drops the sync log and replayed change sets.
func (r *Repository) ClearHistory(ctx context.Context) error {
	return r.store.ClearHistory(ctx)
}

// Status reports the backlog, connectivity and the last successful sync.
func (r *Repository) Status(ctx context.Context) (Status, error) {
	pendingRecords, err := r.store.CountPending(ctx)
	if err != nil {
		return Status{}, err
	}
	pendingUpdates, err := r.store.CountPendingUpdates(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		PendingRecords: pendingRecords,
		PendingUpdates: pendingUpdates,
		Online:         r.connectivity.IsOnline(),
	}
	last, found, err := r.store.LastSuccessfulSync(ctx)
	if err != nil {
		return Status{}, err
	}
	if found {
		status.LastSync = &last
	}
	return status, nil
}

// syncIfOnline attempts an immediate single-record sync. Failures stay
// recorded on the record and never fail the local mutation.
func (r *Repository) syncIfOnline(ctx context.Context, record deliveries.DeliveryRequest, trigger syncengine.Trigger) (deliveries.DeliveryRequest, error) {
	if !r.connectivity.IsOnline() {
		return record, nil
	}
	if _, err := r.syncer.SyncOne(ctx, record.LocalID, trigger); err != nil {
		r.logger.Warn("immediate sync failed",
			zap.String("local_id", record.LocalID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
	current, err := r.store.Get(ctx, record.LocalID)
	if errors.Is(err, deliveries.ErrNotFound) {
		return record, nil
	}
	if err != nil {
		return deliveries.DeliveryRequest{}, err
	}
	return current, nil
}

func (r *Repository) nowMillis() int64 {
	return r.clock().UTC().UnixMilli()
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("repository error", attrs...)
}
