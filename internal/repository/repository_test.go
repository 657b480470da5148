package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/syncengine"
	"github.com/MarcoPoloResearchLab/courier/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type toggle struct {
	online atomic.Bool
}

func (t *toggle) IsOnline() bool {
	return t.online.Load()
}

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("local-%d", s.next), nil
}

// stubRemote assigns server identifiers starting at 42 and can be told to
// reject or to fail at the transport level.
type stubRemote struct {
	nextID      int64
	reject      bool
	unreachable bool
	updates     []deliveries.Changes
}

func (s *stubRemote) failure() error {
	if s.unreachable {
		return fmt.Errorf("%w: timeout", remote.ErrUnreachable)
	}
	if s.reject {
		return &remote.RejectedError{StatusCode: 400, Reason: "invalid payload"}
	}
	return nil
}

func (s *stubRemote) Create(_ context.Context, record deliveries.DeliveryRequest) (remote.Acknowledgement, error) {
	if err := s.failure(); err != nil {
		return remote.Acknowledgement{}, err
	}
	s.nextID++
	return remote.Acknowledgement{LocalID: record.LocalID, ServerID: deliveries.ServerID(s.nextID)}, nil
}

func (s *stubRemote) BulkReconcile(_ context.Context, records []deliveries.DeliveryRequest) (remote.BulkResult, error) {
	if s.unreachable {
		return remote.BulkResult{}, s.failure()
	}
	var result remote.BulkResult
	for _, record := range records {
		if s.reject {
			result.Rejected = append(result.Rejected, remote.Rejection{LocalID: record.LocalID, Reason: "invalid payload"})
			continue
		}
		s.nextID++
		result.Accepted = append(result.Accepted, remote.Acknowledgement{LocalID: record.LocalID, ServerID: deliveries.ServerID(s.nextID)})
	}
	return result, nil
}

func (s *stubRemote) Update(_ context.Context, serverID deliveries.ServerID, changes deliveries.Changes) (remote.Acknowledgement, error) {
	if err := s.failure(); err != nil {
		return remote.Acknowledgement{}, err
	}
	s.updates = append(s.updates, changes)
	return remote.Acknowledgement{ServerID: serverID}, nil
}

type fixture struct {
	repository   *Repository
	store        *deliveries.Store
	queue        *syncqueue.Queue
	remote       *stubRemote
	connectivity *toggle
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "repository.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	f := &fixture{remote: &stubRemote{nextID: 41}, connectivity: &toggle{}, now: time.UnixMilli(1_700_000_000_000).UTC()}
	clock := func() time.Time { return f.now }

	f.store, err = deliveries.NewStore(deliveries.StoreConfig{Database: db})
	require.NoError(t, err)
	f.queue, err = syncqueue.New(syncqueue.Config{Store: f.store, Clock: clock})
	require.NoError(t, err)
	engine, err := syncengine.New(syncengine.Config{
		Store:        f.store,
		Queue:        f.queue,
		Remote:       f.remote,
		Connectivity: f.connectivity,
		Clock:        clock,
		Jitter:       func(delay time.Duration) time.Duration { return delay },
	})
	require.NoError(t, err)
	f.repository, err = New(Config{
		Store:        f.store,
		Queue:        f.queue,
		Syncer:       engine,
		Connectivity: f.connectivity,
		IDProvider:   &sequentialIDs{},
		Clock:        clock,
	})
	require.NoError(t, err)
	return f
}

func samplePayload() deliveries.Payload {
	return deliveries.Payload{
		PickupAddress:  "X",
		DropoffAddress: "Y",
		CustomerName:   "Ada",
		CustomerPhone:  "555-0100",
	}
}

func (f *fixture) queued(t *testing.T, id string) bool {
	t.Helper()
	contains, err := f.queue.Contains(context.Background(), id)
	require.NoError(t, err)
	return contains
}

func TestCreateOfflineQueuesRecord(t *testing.T) {
	f := newFixture(t)

	record, err := f.repository.Create(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "local-1", record.LocalID)
	assert.Equal(t, deliveries.SyncStatusPendingSync, record.SyncStatus)
	assert.Equal(t, deliveries.StatusPending, record.Status)
	assert.Equal(t, f.now.UnixMilli(), record.CreatedAtMillis)
	assert.True(t, f.queued(t, record.LocalID))
}

func TestCreateOnlineSyncsAfterAcknowledgement(t *testing.T) {
	f := newFixture(t)
	f.connectivity.online.Store(true)

	record, err := f.repository.Create(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusSynced, record.SyncStatus)
	serverID, ok := record.ServerIDValue()
	require.True(t, ok)
	assert.Equal(t, deliveries.ServerID(42), serverID)
	assert.False(t, f.queued(t, record.LocalID))
}

func TestCreateOnlineKeepsRecordQueuedWhenRemoteUnreachable(t *testing.T) {
	f := newFixture(t)
	f.connectivity.online.Store(true)
	f.remote.unreachable = true

	record, err := f.repository.Create(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusPendingSync, record.SyncStatus)
	assert.True(t, f.queued(t, record.LocalID))
}

func TestCreateRejectsInvalidPayloadBeforeStoring(t *testing.T) {
	f := newFixture(t)
	payload := samplePayload()
	payload.PickupAddress = "   "

	_, err := f.repository.Create(context.Background(), payload)
	require.ErrorIs(t, err, deliveries.ErrInvalidPayload)

	records, err := deliveries.Collect(f.repository.List(context.Background()))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOfflineCreateThenReconnectAssignsServerID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.repository.Create(ctx, samplePayload())
	require.NoError(t, err)

	f.connectivity.online.Store(true)
	result, err := f.repository.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.LocalID}, result.Synced)

	byLocalID, err := f.repository.Get(ctx, created.LocalID)
	require.NoError(t, err)
	byServerID, err := f.repository.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, byLocalID.LocalID, byServerID.LocalID)
	assert.Equal(t, deliveries.SyncStatusSynced, byLocalID.SyncStatus)
	assert.False(t, f.queued(t, created.LocalID))

	history, err := f.repository.History(ctx, created.LocalID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, deliveries.LogOutcomeSynced, history[0].Outcome)

	result, err = f.repository.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
}

func TestUpdateOfflineRequeuesSyncedRecordWithChangeSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectivity.online.Store(true)
	created, err := f.repository.Create(ctx, samplePayload())
	require.NoError(t, err)
	require.Equal(t, deliveries.SyncStatusSynced, created.SyncStatus)

	f.connectivity.online.Store(false)
	assigned := deliveries.StatusAssigned
	updated, err := f.repository.Update(ctx, "42", deliveries.Changes{Status: &assigned})
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusPendingSync, updated.SyncStatus)
	assert.Equal(t, assigned, updated.Status)
	assert.Equal(t, created.LocalVersion+1, updated.LocalVersion)
	assert.True(t, f.queued(t, created.LocalID))

	status, err := f.repository.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.PendingRecords)
	assert.EqualValues(t, 1, status.PendingUpdates)
	assert.False(t, status.Online)
	require.NotNil(t, status.LastSync)

	f.connectivity.online.Store(true)
	_, err = f.repository.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, f.remote.updates, 1)
	assert.Equal(t, assigned, *f.remote.updates[0].Status)

	status, err = f.repository.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingRecords)
	assert.Zero(t, status.PendingUpdates)
}

func TestUpdateUnsyncedRecordStoresNoChangeSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.repository.Create(ctx, samplePayload())
	require.NoError(t, err)

	notes := "Ring twice"
	updated, err := f.repository.Update(ctx, created.LocalID, deliveries.Changes{DeliveryNotes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.DeliveryNotes)

	count, err := f.store.CountPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateValidatesAndReportsMissingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repository.Update(ctx, "local-1", deliveries.Changes{})
	assert.ErrorIs(t, err, deliveries.ErrInvalidPayload)

	name := "Grace"
	_, err = f.repository.Update(ctx, "missing", deliveries.Changes{CustomerName: &name})
	assert.ErrorIs(t, err, deliveries.ErrNotFound)
}

func TestRejectedRecordRetriesManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.repository.Create(ctx, samplePayload())
	require.NoError(t, err)

	f.connectivity.online.Store(true)
	f.remote.reject = true
	_, err = f.repository.Sync(ctx)
	require.NoError(t, err)

	failed, err := f.repository.Get(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusFailed, failed.SyncStatus)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "invalid payload", failed.LastError)
	assert.True(t, f.queued(t, created.LocalID))

	retried, err := f.repository.Retry(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusPendingSync, retried.SyncStatus)
	assert.Equal(t, 1, retried.RetryCount)

	f.remote.reject = false
	_, err = f.repository.Sync(ctx)
	require.NoError(t, err)
	synced, err := f.repository.Get(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, deliveries.SyncStatusSynced, synced.SyncStatus)
	assert.Equal(t, 1, synced.RetryCount)

	_, err = f.repository.Retry(ctx, created.LocalID)
	assert.True(t, errors.Is(err, syncengine.ErrNotRetryable))
}

func TestDeleteIsLocalOnlyAndKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectivity.online.Store(true)
	created, err := f.repository.Create(ctx, samplePayload())
	require.NoError(t, err)

	deleted, err := f.repository.Delete(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, created.LocalID, deleted.LocalID)

	_, err = f.repository.Get(ctx, created.LocalID)
	assert.ErrorIs(t, err, deliveries.ErrNotFound)
	assert.False(t, f.queued(t, created.LocalID))

	history, err := f.repository.History(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.repository.Delete(ctx, created.LocalID)
	assert.ErrorIs(t, err, deliveries.ErrNotFound)
}

func TestListIsNewestFirstAndClearHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for index := range 3 {
		f.now = f.now.Add(time.Duration(index+1) * time.Second)
		_, err := f.repository.Create(ctx, samplePayload())
		require.NoError(t, err)
	}

	records, err := deliveries.Collect(f.repository.List(ctx))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "local-3", records[0].LocalID)
	assert.Equal(t, "local-1", records[2].LocalID)

	f.connectivity.online.Store(true)
	_, err = f.repository.Sync(ctx)
	require.NoError(t, err)
	logs, err := f.repository.RecentHistory(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, f.repository.ClearHistory(ctx))
	logs, err = f.repository.RecentHistory(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
