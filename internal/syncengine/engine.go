// Package syncengine reconciles locally pending delivery requests with the
// remote store and applies the authoritative results back to LocalStore.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/syncqueue"
	"go.uber.org/zap"
)

const (
	opSyncAll   = "syncengine.sync_all"
	opSyncOne   = "syncengine.sync_one"
	opRetry     = "syncengine.retry"
	opApply     = "syncengine.apply"
	opEngineNew = "syncengine.new"
)

const (
	defaultBatchSize   = 50
	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = time.Hour
)

var (
	errMissingStore        = errors.New("local store is required")
	errMissingQueue        = errors.New("sync queue is required")
	errMissingRemote       = errors.New("remote client is required")
	errMissingConnectivity = errors.New("connectivity state is required")

	// ErrNotRetryable indicates a retry request for a record that has not failed.
	ErrNotRetryable = errors.New("syncengine: record is not in failed state")
	// ErrBatchFailed indicates that at least one remote call failed at the transport level.
	ErrBatchFailed = errors.New("syncengine: remote batch failed")

	noOpLogger = zap.NewNop()
)

// Trigger names what started a sync attempt.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerReconnect Trigger = "reconnect"
	TriggerInterval  Trigger = "interval"
	TriggerCreate    Trigger = "create"
	TriggerUpdate    Trigger = "update"
	TriggerShutdown  Trigger = "shutdown"
)

// Automatic reports whether the trigger was not an explicit caller request.
// Automatic attempts honour backoff and never return sync errors.
func (t Trigger) Automatic() bool {
	return t != TriggerManual
}

// Remote is the remote store contract used by the engine.
type Remote interface {
	Create(ctx context.Context, record deliveries.DeliveryRequest) (remote.Acknowledgement, error)
	BulkReconcile(ctx context.Context, records []deliveries.DeliveryRequest) (remote.BulkResult, error)
	Update(ctx context.Context, serverID deliveries.ServerID, changes deliveries.Changes) (remote.Acknowledgement, error)
}

// ConnectivityState exposes the current online flag.
type ConnectivityState interface {
	IsOnline() bool
}

// Config wires the engine.
type Config struct {
	Store          *deliveries.Store
	Queue          *syncqueue.Queue
	Remote         Remote
	Connectivity   ConnectivityState
	BatchSize      int
	Interval       time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAutoRetries int
	Clock          func() time.Time
	// Jitter spreads a backoff delay; nil selects randomized jitter.
	Jitter func(time.Duration) time.Duration
	Logger *zap.Logger
}

// Result summarises one sync attempt.
type Result struct {
	Trigger       Trigger
	Skipped       bool
	Attempted     int
	Synced        []string
	Failed        []string
	Deferred      []string
	BatchFailures int
}

// Engine runs the per-record sync state machine
// pending_sync -> synced | failed, failed -> pending_sync.
type Engine struct {
	store          *deliveries.Store
	queue          *syncqueue.Queue
	remote         Remote
	connectivity   ConnectivityState
	batchSize      int
	interval       time.Duration
	backoff        backoffPolicy
	maxAutoRetries int
	clock          func() time.Time
	logger         *zap.Logger

	// batchMu serialises attempts so that no record is in two in-flight batches.
	batchMu sync.Mutex

	triggerMu sync.Mutex
	inFlight  bool
	rerun     bool
	closed    bool
	wg        sync.WaitGroup
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingStore)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingQueue)
	case cfg.Remote == nil:
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingRemote)
	case cfg.Connectivity == nil:
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingConnectivity)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxDelay := cfg.BackoffMax
	if maxDelay < base {
		maxDelay = defaultBackoffMax
		if maxDelay < base {
			maxDelay = base
		}
	}
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = equalJitter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:          cfg.Store,
		queue:          cfg.Queue,
		remote:         cfg.Remote,
		connectivity:   cfg.Connectivity,
		batchSize:      batchSize,
		interval:       cfg.Interval,
		backoff:        backoffPolicy{base: base, max: maxDelay, jitter: jitter},
		maxAutoRetries: cfg.MaxAutoRetries,
		clock:          clock,
		logger:         logger,
	}, nil
}

// SyncAll submits every pending record as of the call. Offline it returns an
// empty, skipped result without touching the network.
func (e *Engine) SyncAll(ctx context.Context, trigger Trigger) (Result, error) {
	result := Result{Trigger: trigger}
	if !e.connectivity.IsOnline() {
		result.Skipped = true
		return result, nil
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	snapshot, err := e.queue.Snapshot(ctx)
	if err != nil {
		e.logError(opSyncAll, "snapshot_failed", err, zap.String("trigger", string(trigger)))
		return result, e.surface(trigger, err)
	}

	eligible := e.eligible(snapshot, trigger, &result)
	if len(eligible) == 0 {
		return result, nil
	}
	result.Attempted = len(eligible)

	var fresh, known []deliveries.DeliveryRequest
	for _, record := range eligible {
		if _, ok := record.ServerIDValue(); ok {
			known = append(known, record)
		} else {
			fresh = append(fresh, record)
		}
	}

	// The first transport failure ends the attempt: the rest of the snapshot
	// is left untouched and covered by a single batch-failure entry.
	var failures []error
	for start := 0; start < len(fresh); start += e.batchSize {
		end := min(start+e.batchSize, len(fresh))
		err := e.reconcileChunk(ctx, fresh[start:end], trigger, &result)
		if errors.Is(err, ErrBatchFailed) {
			e.recordBatchFailure(ctx, slices.Concat(fresh[start:], known), trigger, err, &result)
			return e.finishAttempt(trigger, result, append(failures, err))
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	for index, record := range known {
		err := e.replay(ctx, record, trigger, &result)
		if errors.Is(err, ErrBatchFailed) {
			e.recordBatchFailure(ctx, known[index:], trigger, err, &result)
			return e.finishAttempt(trigger, result, append(failures, err))
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	return e.finishAttempt(trigger, result, failures)
}

func (e *Engine) finishAttempt(trigger Trigger, result Result, failures []error) (Result, error) {
	e.logger.Info("sync attempt finished",
		zap.String("trigger", string(trigger)),
		zap.Int("attempted", result.Attempted),
		zap.Int("synced", len(result.Synced)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("deferred", len(result.Deferred)),
		zap.Int("batch_failures", result.BatchFailures))
	return result, e.surface(trigger, errors.Join(failures...))
}

// SyncOne submits a single record immediately. It is used right after a local
// mutation made while online.
func (e *Engine) SyncOne(ctx context.Context, id string, trigger Trigger) (Result, error) {
	result := Result{Trigger: trigger}
	if !e.connectivity.IsOnline() {
		result.Skipped = true
		return result, nil
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	record, err := e.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, deliveries.ErrNotFound) {
			e.logError(opSyncOne, "load_failed", err, zap.String("id", id))
		}
		return result, e.surface(trigger, err)
	}
	if !record.SyncStatus.Pending() {
		return result, nil
	}
	result.Attempted = 1

	if _, ok := record.ServerIDValue(); ok {
		err = e.replay(ctx, record, trigger, &result)
	} else {
		err = e.create(ctx, record, trigger, &result)
	}
	if errors.Is(err, ErrBatchFailed) {
		e.recordBatchFailure(ctx, []deliveries.DeliveryRequest{record}, trigger, err, &result)
	}
	return result, e.surface(trigger, err)
}

// Retry moves a failed record back to pending_sync. The retry count is kept
// and the backoff window is cleared.
func (e *Engine) Retry(ctx context.Context, id string) (deliveries.DeliveryRequest, error) {
	var updated deliveries.DeliveryRequest
	err := e.store.Transaction(ctx, func(tx *deliveries.Store) error {
		record, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if record.SyncStatus != deliveries.SyncStatusFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, record.LocalID, record.SyncStatus)
		}
		saved, err := e.queue.Within(tx).Enqueue(ctx, record)
		if err != nil {
			return err
		}
		updated = saved
		return nil
	})
	if err != nil {
		if deliveries.IsStorageError(err) {
			e.logError(opRetry, "requeue_failed", err, zap.String("id", id))
		}
		return deliveries.DeliveryRequest{}, err
	}
	return updated, nil
}

// TriggerSync starts a background SyncAll for a reconnect. Triggers that
// arrive while one is running are coalesced into a single follow-up attempt.
func (e *Engine) TriggerSync(ctx context.Context) {
	e.startBackground(ctx, TriggerReconnect)
}

// Run drives interval syncs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.startBackground(ctx, TriggerInterval)
		}
	}
}

// Close stops accepting background triggers, waits for the running one and
// performs a final flush when online.
func (e *Engine) Close(ctx context.Context) error {
	e.triggerMu.Lock()
	e.closed = true
	e.triggerMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := e.SyncAll(ctx, TriggerShutdown)
	return err
}

func (e *Engine) startBackground(ctx context.Context, trigger Trigger) {
	e.triggerMu.Lock()
	if e.closed {
		e.triggerMu.Unlock()
		return
	}
	if e.inFlight {
		e.rerun = true
		e.triggerMu.Unlock()
		return
	}
	e.inFlight = true
	e.wg.Add(1)
	e.triggerMu.Unlock()

	background := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		for {
			if _, err := e.SyncAll(background, trigger); err != nil {
				e.logError(opSyncAll, "background_failed", err, zap.String("trigger", string(trigger)))
			}
			e.triggerMu.Lock()
			if !e.rerun || e.closed {
				e.inFlight = false
				e.rerun = false
				e.triggerMu.Unlock()
				return
			}
			e.rerun = false
			e.triggerMu.Unlock()
		}
	}()
}

// eligible drops failed records that automatic triggers must not resend yet.
func (e *Engine) eligible(snapshot []deliveries.DeliveryRequest, trigger Trigger, result *Result) []deliveries.DeliveryRequest {
	if !trigger.Automatic() {
		return snapshot
	}
	nowMillis := e.clock().UTC().UnixMilli()
	eligible := make([]deliveries.DeliveryRequest, 0, len(snapshot))
	for _, record := range snapshot {
		if record.SyncStatus == deliveries.SyncStatusFailed {
			if e.maxAutoRetries > 0 && record.RetryCount >= e.maxAutoRetries {
				result.Deferred = append(result.Deferred, record.LocalID)
				continue
			}
			if record.NextAttemptAtMillis > nowMillis {
				result.Deferred = append(result.Deferred, record.LocalID)
				continue
			}
		}
		eligible = append(eligible, record)
	}
	return eligible
}

func (e *Engine) reconcileChunk(ctx context.Context, chunk []deliveries.DeliveryRequest, trigger Trigger, result *Result) error {
	response, err := e.remote.BulkReconcile(ctx, chunk)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	accepted := make(map[string]remote.Acknowledgement, len(response.Accepted))
	for _, acknowledgement := range response.Accepted {
		accepted[acknowledgement.LocalID] = acknowledgement
	}
	rejected := make(map[string]remote.Rejection, len(response.Rejected))
	for _, rejection := range response.Rejected {
		rejected[rejection.LocalID] = rejection
	}

	var storageErrs []error
	for _, record := range chunk {
		if acknowledgement, ok := accepted[record.LocalID]; ok {
			if err := e.applyAccepted(ctx, record, acknowledgement, nil, trigger, result); err != nil {
				storageErrs = append(storageErrs, err)
			}
			continue
		}
		if rejection, ok := rejected[record.LocalID]; ok {
			if err := e.applyRejected(ctx, record, rejection.Reason, nil, trigger, result); err != nil {
				storageErrs = append(storageErrs, err)
			}
			continue
		}
		e.logger.Warn("remote omitted record from batch result", zap.String("local_id", record.LocalID))
		result.Deferred = append(result.Deferred, record.LocalID)
	}
	return errors.Join(storageErrs...)
}

func (e *Engine) create(ctx context.Context, record deliveries.DeliveryRequest, trigger Trigger, result *Result) error {
	acknowledgement, err := e.remote.Create(ctx, record)
	switch {
	case err == nil:
		return e.applyAccepted(ctx, record, acknowledgement, nil, trigger, result)
	case remote.IsRejected(err):
		return e.applyRejected(ctx, record, rejectionReason(err), nil, trigger, result)
	default:
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}
}

// replay sends the stored change sets of a record the remote store already
// knows, in the order they were made. Without stored change sets the local
// business fields, minus status, are sent instead.
func (e *Engine) replay(ctx context.Context, record deliveries.DeliveryRequest, trigger Trigger, result *Result) error {
	serverID, _ := record.ServerIDValue()
	updates, err := e.store.ListPendingUpdates(ctx, record.LocalID)
	if err != nil {
		return err
	}

	if len(updates) == 0 {
		acknowledgement, err := e.remote.Update(ctx, serverID, deliveries.ChangesFromRecord(record))
		switch {
		case err == nil:
			return e.applyAccepted(ctx, record, acknowledgement, nil, trigger, result)
		case remote.IsRejected(err):
			return e.applyRejected(ctx, record, rejectionReason(err), nil, trigger, result)
		default:
			return fmt.Errorf("%w: %w", ErrBatchFailed, err)
		}
	}

	var sent []int64
	var last remote.Acknowledgement
	for _, update := range updates {
		changes, err := deliveries.DecodeChanges(update.UpdateJSON)
		if err != nil {
			sent = append(sent, update.ID)
			return e.applyRejected(ctx, record, err.Error(), sent, trigger, result)
		}
		acknowledgement, err := e.remote.Update(ctx, serverID, changes)
		if err != nil {
			if remote.IsRejected(err) {
				// A refused change set is dropped; the record keeps the reason.
				sent = append(sent, update.ID)
				return e.applyRejected(ctx, record, rejectionReason(err), sent, trigger, result)
			}
			if markErr := e.store.MarkPendingUpdatesSynced(ctx, sent); markErr != nil {
				return markErr
			}
			return fmt.Errorf("%w: %w", ErrBatchFailed, err)
		}
		sent = append(sent, update.ID)
		last = acknowledgement
	}
	return e.applyAccepted(ctx, record, last, sent, trigger, result)
}

// applyAccepted records the acknowledgement. The record becomes synced only
// when the acknowledgement covers its current local state. Otherwise the
// server identifier is kept, whatever the remote store still lacks is stored
// as a change set and the record stays pending for the next attempt.
func (e *Engine) applyAccepted(ctx context.Context, snapshot deliveries.DeliveryRequest, acknowledgement remote.Acknowledgement, replayed []int64, trigger Trigger, result *Result) error {
	// A create acknowledgement carries the stored copy. When the remote store
	// already held the record from an earlier submission whose answer was
	// lost, that copy predates local edits and must not overwrite them.
	_, known := snapshot.ServerIDValue()
	answersCreate := !known && acknowledgement.Payload.PickupAddress != ""
	stale := answersCreate && snapshot.LocalVersion > 1 &&
		!deliveries.ChangesBetween(acknowledgement.Payload, deliveries.PayloadFromRecord(snapshot)).IsEmpty()

	nowMillis := e.clock().UTC().UnixMilli()
	synced := false
	err := e.store.Transaction(ctx, func(tx *deliveries.Store) error {
		var remaining deliveries.Changes
		updated, err := tx.Mutate(ctx, snapshot.LocalID, func(record *deliveries.DeliveryRequest) error {
			if err := record.AssignServerID(acknowledgement.ServerID); err != nil {
				return err
			}
			if stale || record.LocalVersion != snapshot.LocalVersion {
				if answersCreate {
					remaining = deliveries.ChangesBetween(acknowledgement.Payload, deliveries.PayloadFromRecord(*record))
				}
				return nil
			}
			if acknowledgement.Payload.PickupAddress != "" {
				acknowledgement.Payload.ApplyTo(record)
			}
			record.SetSyncStatus(deliveries.SyncStatusSynced)
			record.LastError = ""
			record.NextAttemptAtMillis = 0
			synced = true
			return nil
		})
		if err != nil {
			return err
		}
		if err := tx.MarkPendingUpdatesSynced(ctx, replayed); err != nil {
			return err
		}
		if !remaining.IsEmpty() {
			if _, err := tx.AppendPendingUpdate(ctx, updated.LocalID, remaining, nowMillis); err != nil {
				return err
			}
		}
		entry := deliveries.SyncLogEntry{
			RequestID:      updated.LocalID,
			ServerID:       updated.ServerID,
			Outcome:        deliveries.LogOutcomeSynced,
			Trigger:        string(trigger),
			RetryCount:     updated.RetryCount,
			BatchSize:      1,
			SyncedAtMillis: nowMillis,
		}
		if synced {
			if err := e.queue.Within(tx).Clear(ctx, updated.LocalID); err != nil {
				return err
			}
		} else {
			entry.Outcome = deliveries.LogOutcomeDeferred
			entry.ErrorMessage = "acknowledged, local changes still pending"
		}
		_, err = tx.AppendLog(ctx, entry)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, deliveries.ErrNotFound):
		e.logger.Info("record deleted while in flight", zap.String("local_id", snapshot.LocalID))
		return nil
	case errors.Is(err, deliveries.ErrServerIDConflict):
		e.logError(opApply, "server_id_conflict", err, zap.String("local_id", snapshot.LocalID))
		return e.applyRejected(ctx, snapshot, err.Error(), replayed, trigger, result)
	default:
		e.logError(opApply, "accept_failed", err, zap.String("local_id", snapshot.LocalID))
		return err
	}

	if synced {
		result.Synced = append(result.Synced, snapshot.LocalID)
	} else {
		result.Deferred = append(result.Deferred, snapshot.LocalID)
	}
	return nil
}

// applyRejected marks the record failed, schedules its next automatic attempt
// and records the reason. An edit made after the snapshot keeps the record
// pending so the edit gets its own attempt.
func (e *Engine) applyRejected(ctx context.Context, snapshot deliveries.DeliveryRequest, reason string, discarded []int64, trigger Trigger, result *Result) error {
	now := e.clock().UTC()
	err := e.store.Transaction(ctx, func(tx *deliveries.Store) error {
		updated, err := tx.Mutate(ctx, snapshot.LocalID, func(record *deliveries.DeliveryRequest) error {
			record.RetryCount++
			record.LastError = reason
			if record.LocalVersion == snapshot.LocalVersion {
				record.SetSyncStatus(deliveries.SyncStatusFailed)
				record.NextAttemptAtMillis = now.Add(e.backoff.delay(record.RetryCount)).UnixMilli()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := tx.MarkPendingUpdatesSynced(ctx, discarded); err != nil {
			return err
		}
		_, err = tx.AppendLog(ctx, deliveries.SyncLogEntry{
			RequestID:      updated.LocalID,
			ServerID:       updated.ServerID,
			Outcome:        deliveries.LogOutcomeFailed,
			Trigger:        string(trigger),
			ErrorMessage:   reason,
			RetryCount:     updated.RetryCount,
			BatchSize:      1,
			SyncedAtMillis: now.UnixMilli(),
		})
		return err
	})
	if errors.Is(err, deliveries.ErrNotFound) {
		e.logger.Info("record deleted while in flight", zap.String("local_id", snapshot.LocalID))
		return nil
	}
	if err != nil {
		e.logError(opApply, "reject_failed", err, zap.String("local_id", snapshot.LocalID))
		return err
	}
	result.Failed = append(result.Failed, snapshot.LocalID)
	return nil
}

// recordBatchFailure appends one batch-level entry for the records the failed
// attempt left untouched.
func (e *Engine) recordBatchFailure(ctx context.Context, records []deliveries.DeliveryRequest, trigger Trigger, cause error, result *Result) {
	result.BatchFailures++
	entry := deliveries.SyncLogEntry{
		Outcome:        deliveries.LogOutcomeBatchFailed,
		Trigger:        string(trigger),
		ErrorMessage:   cause.Error(),
		BatchSize:      len(records),
		SyncedAtMillis: e.clock().UTC().UnixMilli(),
	}
	if len(records) == 1 {
		entry.RequestID = records[0].LocalID
		entry.ServerID = records[0].ServerID
		entry.RetryCount = records[0].RetryCount
	}
	e.logger.Warn("remote batch failed",
		zap.String("trigger", string(trigger)),
		zap.Int("batch_size", len(records)),
		zap.Error(cause))
	if _, err := e.store.AppendLog(ctx, entry); err != nil {
		e.logError(opSyncAll, "batch_log_failed", err)
	}
}

// surface hides sync failures from automatic triggers; they are already logged.
func (e *Engine) surface(trigger Trigger, err error) error {
	if err == nil || trigger.Automatic() {
		return nil
	}
	return err
}

func rejectionReason(err error) string {
	var rejected *remote.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Error()
	}
	return err.Error()
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
