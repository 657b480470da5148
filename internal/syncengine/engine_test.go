package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.UnixMilli(1_700_000_000_000).UTC()

type switchableConnectivity struct {
	online atomic.Bool
}

func (s *switchableConnectivity) IsOnline() bool {
	return s.online.Load()
}

type fakeRemote struct {
	mu          sync.Mutex
	nextID      int64
	bulkCalls   [][]string
	updateCalls []deliveries.Changes
	createCalls []string

	bulk   func(records []deliveries.DeliveryRequest) (remote.BulkResult, error)
	update func(serverID deliveries.ServerID, changes deliveries.Changes) (remote.Acknowledgement, error)
	create func(record deliveries.DeliveryRequest) (remote.Acknowledgement, error)
}

func (f *fakeRemote) acknowledge(record deliveries.DeliveryRequest) remote.Acknowledgement {
	f.nextID++
	return remote.Acknowledgement{
		LocalID:  record.LocalID,
		ServerID: deliveries.ServerID(f.nextID),
		Payload:  deliveries.PayloadFromRecord(record),
	}
}

func (f *fakeRemote) Create(_ context.Context, record deliveries.DeliveryRequest) (remote.Acknowledgement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, record.LocalID)
	if f.create != nil {
		return f.create(record)
	}
	return f.acknowledge(record), nil
}

func (f *fakeRemote) BulkReconcile(_ context.Context, records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.LocalID)
	}
	f.bulkCalls = append(f.bulkCalls, ids)
	if f.bulk != nil {
		return f.bulk(records)
	}
	var result remote.BulkResult
	for _, record := range records {
		result.Accepted = append(result.Accepted, f.acknowledge(record))
	}
	return result, nil
}

func (f *fakeRemote) Update(_ context.Context, serverID deliveries.ServerID, changes deliveries.Changes) (remote.Acknowledgement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, changes)
	if f.update != nil {
		return f.update(serverID, changes)
	}
	return remote.Acknowledgement{ServerID: serverID}, nil
}

func (f *fakeRemote) bulkCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulkCalls)
}

type harness struct {
	engine       *Engine
	store        *deliveries.Store
	queue        *syncqueue.Queue
	remote       *fakeRemote
	connectivity *switchableConnectivity
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "engine.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store, err := deliveries.NewStore(deliveries.StoreConfig{Database: db})
	require.NoError(t, err)
	clock := func() time.Time { return fixedNow }
	queue, err := syncqueue.New(syncqueue.Config{Store: store, Clock: clock})
	require.NoError(t, err)

	connectivity := &switchableConnectivity{}
	connectivity.online.Store(true)
	fake := &fakeRemote{nextID: 100}

	cfg := Config{
		Store:          store,
		Queue:          queue,
		Remote:         fake,
		Connectivity:   connectivity,
		BatchSize:      10,
		BackoffBase:    30 * time.Second,
		BackoffMax:     time.Hour,
		MaxAutoRetries: 5,
		Clock:          clock,
		Jitter:         func(delay time.Duration) time.Duration { return delay },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)
	return &harness{engine: engine, store: store, queue: queue, remote: fake, connectivity: connectivity}
}

func (h *harness) enqueue(t *testing.T, localID string, createdAtMillis int64) deliveries.DeliveryRequest {
	t.Helper()
	record := deliveries.Payload{
		PickupAddress:  "1 Pickup Way",
		DropoffAddress: "2 Dropoff Road",
		CustomerName:   "Ada",
		CustomerPhone:  "555-0100",
	}.NewRecord(deliveries.LocalID(localID), createdAtMillis)
	saved, err := h.queue.Enqueue(context.Background(), record)
	require.NoError(t, err)
	return saved
}

func (h *harness) get(t *testing.T, id string) deliveries.DeliveryRequest {
	t.Helper()
	record, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestSyncAllOfflineIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.connectivity.online.Store(false)
	h.enqueue(t, "local-1", 1000)

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, h.remote.bulkCallCount())
	assert.Equal(t, deliveries.SyncStatusPendingSync, h.get(t, "local-1").SyncStatus)
}

func TestSyncAllAppliesPartialBatchResult(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.bulk = func(records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
		var result remote.BulkResult
		for _, record := range records {
			if record.LocalID == "local-2" {
				result.Rejected = append(result.Rejected, remote.Rejection{LocalID: record.LocalID, Reason: "customer_phone: invalid"})
				continue
			}
			result.Accepted = append(result.Accepted, h.remote.acknowledge(record))
		}
		return result, nil
	}
	for index := range 3 {
		h.enqueue(t, fmt.Sprintf("local-%d", index+1), int64(1000+index))
	}

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.ElementsMatch(t, []string{"local-1", "local-3"}, result.Synced)
	assert.Equal(t, []string{"local-2"}, result.Failed)
	require.Len(t, h.remote.bulkCalls, 1)
	assert.Equal(t, []string{"local-1", "local-2", "local-3"}, h.remote.bulkCalls[0])

	synced := h.get(t, "local-1")
	assert.Equal(t, deliveries.SyncStatusSynced, synced.SyncStatus)
	assert.True(t, synced.IsSynced)
	serverID, ok := synced.ServerIDValue()
	require.True(t, ok)
	assert.Equal(t, deliveries.ServerID(101), serverID)

	failed := h.get(t, "local-2")
	assert.Equal(t, deliveries.SyncStatusFailed, failed.SyncStatus)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "customer_phone: invalid", failed.LastError)
	assert.Equal(t, fixedNow.Add(30*time.Second).UnixMilli(), failed.NextAttemptAtMillis)
	_, hasServerID := failed.ServerIDValue()
	assert.False(t, hasServerID)

	pending, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	logs, err := h.store.ListRecentLogs(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	lastSuccess, found, err := h.store.LastSuccessfulSync(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(TriggerManual), lastSuccess.Trigger)
}

func TestSyncAllTransportFailureLeavesRecordsUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.bulk = func([]deliveries.DeliveryRequest) (remote.BulkResult, error) {
		return remote.BulkResult{}, fmt.Errorf("%w: connection refused", remote.ErrUnreachable)
	}
	h.enqueue(t, "local-1", 1000)
	h.enqueue(t, "local-2", 2000)

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrBatchFailed)
	require.ErrorIs(t, err, remote.ErrUnreachable)
	assert.Equal(t, 1, result.BatchFailures)

	for _, id := range []string{"local-1", "local-2"} {
		record := h.get(t, id)
		assert.Equal(t, deliveries.SyncStatusPendingSync, record.SyncStatus)
		assert.Zero(t, record.RetryCount)
		assert.Empty(t, record.LastError)
	}

	logs, err := h.store.ListRecentLogs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, deliveries.LogOutcomeBatchFailed, logs[0].Outcome)
	assert.Equal(t, 2, logs[0].BatchSize)
	assert.Empty(t, logs[0].RequestID)

	_, err = h.engine.SyncAll(context.Background(), TriggerInterval)
	assert.NoError(t, err, "automatic triggers only log failures")
}

func TestSyncAllChunksByBatchSize(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BatchSize = 2 })
	for index := range 5 {
		h.enqueue(t, fmt.Sprintf("local-%d", index+1), int64(1000+index))
	}

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Len(t, result.Synced, 5)
	require.Len(t, h.remote.bulkCalls, 3)
	assert.Len(t, h.remote.bulkCalls[0], 2)
	assert.Len(t, h.remote.bulkCalls[2], 1)
}

func TestSyncAllDefersOmittedRecords(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.bulk = func([]deliveries.DeliveryRequest) (remote.BulkResult, error) {
		return remote.BulkResult{}, nil
	}
	h.enqueue(t, "local-1", 1000)

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Deferred)
	assert.Equal(t, deliveries.SyncStatusPendingSync, h.get(t, "local-1").SyncStatus)
}

func TestAutomaticTriggersHonourBackoff(t *testing.T) {
	h := newHarness(t, nil)
	record := h.enqueue(t, "local-1", 1000)
	_, err := h.store.Mutate(context.Background(), record.LocalID, func(record *deliveries.DeliveryRequest) error {
		record.SetSyncStatus(deliveries.SyncStatusFailed)
		record.RetryCount = 1
		record.NextAttemptAtMillis = fixedNow.Add(time.Minute).UnixMilli()
		return nil
	})
	require.NoError(t, err)

	result, err := h.engine.SyncAll(context.Background(), TriggerInterval)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Deferred)
	assert.Zero(t, h.remote.bulkCallCount())

	result, err = h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	synced := h.get(t, "local-1")
	assert.Equal(t, deliveries.SyncStatusSynced, synced.SyncStatus)
	assert.Equal(t, 1, synced.RetryCount)
}

func TestAutomaticTriggersStopAfterMaxRetries(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxAutoRetries = 2 })
	record := h.enqueue(t, "local-1", 1000)
	_, err := h.store.Mutate(context.Background(), record.LocalID, func(record *deliveries.DeliveryRequest) error {
		record.SetSyncStatus(deliveries.SyncStatusFailed)
		record.RetryCount = 2
		return nil
	})
	require.NoError(t, err)

	result, err := h.engine.SyncAll(context.Background(), TriggerReconnect)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Deferred)
	assert.Zero(t, h.remote.bulkCallCount())
}

func TestEditDuringFlightKeepsRecordPending(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "local-1", 1000)
	h.remote.bulk = func(records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
		_, err := h.store.Mutate(context.Background(), "local-1", func(record *deliveries.DeliveryRequest) error {
			record.CustomerName = "Grace"
			record.LocalVersion++
			return nil
		})
		if err != nil {
			return remote.BulkResult{}, err
		}
		return remote.BulkResult{Accepted: []remote.Acknowledgement{h.remote.acknowledge(records[0])}}, nil
	}

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Deferred)

	record := h.get(t, "local-1")
	assert.Equal(t, deliveries.SyncStatusPendingSync, record.SyncStatus)
	assert.Equal(t, "Grace", record.CustomerName)
	_, ok := record.ServerIDValue()
	assert.True(t, ok, "server identifier must be kept")

	logs, err := h.store.ListLogs(context.Background(), "local-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, deliveries.LogOutcomeDeferred, logs[0].Outcome)
	_, found, err := h.store.LastSuccessfulSync(context.Background())
	require.NoError(t, err)
	assert.False(t, found, "a deferred acknowledgement is not a successful sync")

	h.remote.bulk = nil
	result, err = h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	require.Len(t, h.remote.updateCalls, 1)
	assert.Equal(t, "Grace", *h.remote.updateCalls[0].CustomerName)
}

func TestLostAcknowledgementKeepsLaterEdit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "local-1", 1000)

	var stored remote.Acknowledgement
	h.remote.bulk = func(records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
		stored = h.remote.acknowledge(records[0])
		return remote.BulkResult{}, fmt.Errorf("%w: status 504", remote.ErrUnreachable)
	}
	_, err := h.engine.SyncAll(ctx, TriggerManual)
	require.ErrorIs(t, err, ErrBatchFailed)
	require.Equal(t, "Ada", stored.Payload.CustomerName)

	edited, err := h.store.Mutate(ctx, "local-1", func(record *deliveries.DeliveryRequest) error {
		record.CustomerName = "Edited Name"
		record.LocalVersion++
		return nil
	})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, edited)
	require.NoError(t, err)

	h.remote.bulk = func([]deliveries.DeliveryRequest) (remote.BulkResult, error) {
		return remote.BulkResult{Accepted: []remote.Acknowledgement{stored}}, nil
	}
	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Deferred)
	assert.Empty(t, result.Synced)

	record := h.get(t, "local-1")
	assert.Equal(t, "Edited Name", record.CustomerName)
	assert.Equal(t, deliveries.SyncStatusPendingSync, record.SyncStatus)
	serverID, ok := record.ServerIDValue()
	require.True(t, ok)
	assert.Equal(t, stored.ServerID, serverID)
	remaining, err := h.store.CountPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	h.remote.bulk = nil
	result, err = h.engine.SyncAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	require.Len(t, h.remote.updateCalls, 1)
	require.NotNil(t, h.remote.updateCalls[0].CustomerName)
	assert.Equal(t, "Edited Name", *h.remote.updateCalls[0].CustomerName)
	assert.Nil(t, h.remote.updateCalls[0].PickupAddress, "only the missing edit is replayed")

	synced := h.get(t, "local-1")
	assert.Equal(t, deliveries.SyncStatusSynced, synced.SyncStatus)
	assert.Equal(t, "Edited Name", synced.CustomerName)
}

func TestResubmissionOfUneditedRecordAcceptsStoredCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "local-1", 1000)
	h.remote.bulk = func(records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
		acknowledgement := h.remote.acknowledge(records[0])
		acknowledgement.Payload.DeliveryNotes = "Leave at reception"
		return remote.BulkResult{Accepted: []remote.Acknowledgement{acknowledgement}}, nil
	}

	result, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	record := h.get(t, "local-1")
	assert.Equal(t, deliveries.SyncStatusSynced, record.SyncStatus)
	assert.Equal(t, "Leave at reception", record.DeliveryNotes)
}

func TestTransportFailureEndsAttempt(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BatchSize = 2 })
	ctx := context.Background()
	for index := range 4 {
		h.enqueue(t, fmt.Sprintf("local-%d", index+1), int64(1000+index))
	}
	known := h.enqueue(t, "local-known", 5000)
	_, err := h.store.Mutate(ctx, known.LocalID, func(record *deliveries.DeliveryRequest) error {
		return record.AssignServerID(500)
	})
	require.NoError(t, err)
	h.remote.bulk = func([]deliveries.DeliveryRequest) (remote.BulkResult, error) {
		return remote.BulkResult{}, fmt.Errorf("%w: connection refused", remote.ErrUnreachable)
	}

	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.ErrorIs(t, err, remote.ErrUnreachable)
	assert.Equal(t, 1, result.BatchFailures)
	assert.Equal(t, 1, h.remote.bulkCallCount())
	assert.Empty(t, h.remote.updateCalls)

	logs, err := h.store.ListRecentLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, deliveries.LogOutcomeBatchFailed, logs[0].Outcome)
	assert.Equal(t, 5, logs[0].BatchSize)

	pending, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, pending)
}

func TestReplayTransportFailureEndsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for index, localID := range []string{"local-1", "local-2"} {
		record := h.enqueue(t, localID, int64(1000+index))
		_, err := h.store.Mutate(ctx, record.LocalID, func(record *deliveries.DeliveryRequest) error {
			return record.AssignServerID(deliveries.ServerID(500 + index))
		})
		require.NoError(t, err)
	}
	h.remote.update = func(deliveries.ServerID, deliveries.Changes) (remote.Acknowledgement, error) {
		return remote.Acknowledgement{}, remote.ErrAuthorizationExpired
	}

	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.ErrorIs(t, err, ErrBatchFailed)
	assert.Equal(t, 1, result.BatchFailures)
	assert.Len(t, h.remote.updateCalls, 1)

	logs, err := h.store.ListRecentLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].BatchSize)
	for _, id := range []string{"local-1", "local-2"} {
		assert.Equal(t, deliveries.SyncStatusPendingSync, h.get(t, id).SyncStatus)
	}
}

func TestReplayWithoutChangeSetsLeavesStatusToRemote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	record := h.enqueue(t, "local-1", 1000)
	_, err := h.store.Mutate(ctx, record.LocalID, func(record *deliveries.DeliveryRequest) error {
		record.Status = deliveries.StatusAssigned
		return record.AssignServerID(500)
	})
	require.NoError(t, err)

	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	require.Len(t, h.remote.updateCalls, 1)
	assert.Nil(t, h.remote.updateCalls[0].Status)
	require.NotNil(t, h.remote.updateCalls[0].CustomerName)
	assert.Equal(t, "Ada", *h.remote.updateCalls[0].CustomerName)
}

func TestReplaySendsPendingUpdatesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	record := h.enqueue(t, "local-1", 1000)
	_, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)

	ctx := context.Background()
	assigned := deliveries.StatusAssigned
	pickedUp := deliveries.StatusPickedUp
	_, err = h.store.AppendPendingUpdate(ctx, record.LocalID, deliveries.Changes{Status: &assigned}, 2000)
	require.NoError(t, err)
	_, err = h.store.AppendPendingUpdate(ctx, record.LocalID, deliveries.Changes{Status: &pickedUp}, 3000)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, h.get(t, record.LocalID))
	require.NoError(t, err)

	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Synced)
	require.Len(t, h.remote.updateCalls, 2)
	assert.Equal(t, assigned, *h.remote.updateCalls[0].Status)
	assert.Equal(t, pickedUp, *h.remote.updateCalls[1].Status)

	remaining, err := h.store.CountPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestReplayRejectionDiscardsChangeSet(t *testing.T) {
	h := newHarness(t, nil)
	record := h.enqueue(t, "local-1", 1000)
	_, err := h.engine.SyncAll(context.Background(), TriggerManual)
	require.NoError(t, err)

	ctx := context.Background()
	delivered := deliveries.StatusDelivered
	_, err = h.store.AppendPendingUpdate(ctx, record.LocalID, deliveries.Changes{Status: &delivered}, 2000)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, h.get(t, record.LocalID))
	require.NoError(t, err)
	h.remote.update = func(deliveries.ServerID, deliveries.Changes) (remote.Acknowledgement, error) {
		return remote.Acknowledgement{}, &remote.RejectedError{StatusCode: 409, Reason: "transition not allowed"}
	}

	result, err := h.engine.SyncAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1"}, result.Failed)

	failed := h.get(t, record.LocalID)
	assert.Equal(t, deliveries.SyncStatusFailed, failed.SyncStatus)
	assert.Contains(t, failed.LastError, "transition not allowed")
	remaining, err := h.store.CountPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestSyncOneCreatesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "local-1", 1000)
	h.enqueue(t, "local-2", 2000)

	result, err := h.engine.SyncOne(context.Background(), "local-2", TriggerCreate)
	require.NoError(t, err)
	assert.Equal(t, []string{"local-2"}, result.Synced)
	assert.Equal(t, []string{"local-2"}, h.remote.createCalls)
	assert.Equal(t, deliveries.SyncStatusPendingSync, h.get(t, "local-1").SyncStatus)

	result, err = h.engine.SyncOne(context.Background(), "local-2", TriggerCreate)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted, "synced records are not resent")
}

func TestRetryRequeuesFailedRecordOnly(t *testing.T) {
	h := newHarness(t, nil)
	record := h.enqueue(t, "local-1", 1000)

	_, err := h.engine.Retry(context.Background(), record.LocalID)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.store.Mutate(context.Background(), record.LocalID, func(record *deliveries.DeliveryRequest) error {
		record.SetSyncStatus(deliveries.SyncStatusFailed)
		record.RetryCount = 4
		record.NextAttemptAtMillis = fixedNow.Add(time.Hour).UnixMilli()
		return nil
	})
	require.NoError(t, err)

	retried, err := h.engine.Retry(context.Background(), record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusPendingSync, retried.SyncStatus)
	assert.Equal(t, 4, retried.RetryCount)
	assert.Zero(t, retried.NextAttemptAtMillis)

	_, err = h.engine.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, deliveries.ErrNotFound)
}

func TestCloseFlushesPendingRecords(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "local-1", 1000)

	h.engine.TriggerSync(context.Background())
	require.NoError(t, h.engine.Close(context.Background()))
	assert.Equal(t, deliveries.SyncStatusSynced, h.get(t, "local-1").SyncStatus)

	h.enqueue(t, "local-2", 2000)
	calls := h.remote.bulkCallCount()
	h.engine.TriggerSync(context.Background())
	assert.Equal(t, calls, h.remote.bulkCallCount(), "closed engine ignores background triggers")
}

func TestBackoffDelay(t *testing.T) {
	policy := backoffPolicy{base: 30 * time.Second, max: time.Hour, jitter: func(delay time.Duration) time.Duration { return delay }}
	assert.Equal(t, 30*time.Second, policy.delay(0))
	assert.Equal(t, 30*time.Second, policy.delay(1))
	assert.Equal(t, time.Minute, policy.delay(2))
	assert.Equal(t, 16*time.Minute, policy.delay(6))
	assert.Equal(t, time.Hour, policy.delay(8))
	assert.Equal(t, time.Hour, policy.delay(500))

	for range 50 {
		jittered := equalJitter(time.Minute)
		assert.GreaterOrEqual(t, jittered, 30*time.Second)
		assert.LessOrEqual(t, jittered, time.Minute)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errMissingStore)
}
