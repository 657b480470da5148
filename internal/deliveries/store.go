package deliveries

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "deliveries.store.new"
	opUpsert            = "deliveries.upsert"
	opGet               = "deliveries.get"
	opListAll           = "deliveries.list_all"
	opListPending       = "deliveries.list_pending"
	opCountPending      = "deliveries.count_pending"
	opDelete            = "deliveries.delete"
	opMutate            = "deliveries.mutate"
	opAppendLog         = "deliveries.append_log"
	opListLogs          = "deliveries.list_logs"
	opLastSuccess       = "deliveries.last_success"
	opClearHistory      = "deliveries.clear_history"
	opAppendUpdate      = "deliveries.append_pending_update"
	opListUpdates       = "deliveries.list_pending_updates"
	opMarkUpdatesSynced = "deliveries.mark_pending_updates_synced"
	opCountUpdates      = "deliveries.count_pending_updates"
	opPutQueueEntry     = "deliveries.put_queue_entry"
	opDeleteQueueEntry  = "deliveries.delete_queue_entry"
	opListQueueEntries  = "deliveries.list_queue_entries"
	opReplaceQueue      = "deliveries.replace_queue_entries"
	opTransaction       = "deliveries.transaction"
)

const listPageSize = 100

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig wires the local store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the durable on-device record store. Every failure of the
// underlying medium is reported as a *StorageError.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStorageError(opStoreNew, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Transaction runs fn against a Store bound to a single database transaction.
// Errors returned by fn roll the transaction back and are passed through unchanged.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{db: tx, logger: s.logger})
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	s.logError(opTransaction, "commit_failed", err)
	return newStorageError(opTransaction, err)
}

// Upsert inserts or replaces the record keyed by its local identifier. A record
// carrying a server identifier already stored under another local identifier
// replaces that row instead.
func (s *Store) Upsert(ctx context.Context, record DeliveryRequest) (DeliveryRequest, error) {
	if _, err := NewLocalID(record.LocalID); err != nil {
		return DeliveryRequest{}, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if serverID, ok := record.ServerIDValue(); ok {
			var existing DeliveryRequest
			err := tx.Where("server_id = ?", serverID.Int64()).Take(&existing).Error
			switch {
			case err == nil:
				record.LocalID = existing.LocalID
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "local_id"}},
			UpdateAll: true,
		}).Create(&record).Error
	})
	if err != nil {
		s.logError(opUpsert, "write_failed", err, zap.String("local_id", record.LocalID))
		return DeliveryRequest{}, newStorageError(opUpsert, err)
	}
	return record, nil
}

// Get looks a record up by local identifier, then by the decimal server identifier.
func (s *Store) Get(ctx context.Context, id string) (DeliveryRequest, error) {
	var record DeliveryRequest
	err := s.db.WithContext(ctx).Where("local_id = ?", id).Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGet, "query_failed", err, zap.String("id", id))
		return DeliveryRequest{}, newStorageError(opGet, err)
	}
	serverID, parseErr := ParseServerID(id)
	if parseErr != nil {
		return DeliveryRequest{}, ErrNotFound
	}
	err = s.db.WithContext(ctx).Where("server_id = ?", serverID.Int64()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeliveryRequest{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("id", id))
		return DeliveryRequest{}, newStorageError(opGet, err)
	}
	return record, nil
}

// ListAll yields every record, newest first, fetching pages lazily.
// Ranging over the sequence again restarts from the first page.
func (s *Store) ListAll(ctx context.Context) iter.Seq2[DeliveryRequest, error] {
	return func(yield func(DeliveryRequest, error) bool) {
		offset := 0
		for {
			var page []DeliveryRequest
			err := s.db.WithContext(ctx).
				Order("created_at_ms DESC").
				Order("local_id DESC").
				Limit(listPageSize).
				Offset(offset).
				Find(&page).Error
			if err != nil {
				s.logError(opListAll, "query_failed", err)
				yield(DeliveryRequest{}, newStorageError(opListAll, err))
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			offset += len(page)
		}
	}
}

// Collect drains a record sequence into a slice, stopping at the first error.
func Collect(records iter.Seq2[DeliveryRequest, error]) ([]DeliveryRequest, error) {
	var collected []DeliveryRequest
	for record, err := range records {
		if err != nil {
			return nil, err
		}
		collected = append(collected, record)
	}
	return collected, nil
}

// ListPending returns records awaiting sync, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]DeliveryRequest, error) {
	var records []DeliveryRequest
	err := s.db.WithContext(ctx).
		Where("sync_status IN ?", []SyncStatus{SyncStatusPendingSync, SyncStatusFailed}).
		Order("created_at_ms ASC").
		Order("local_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListPending, "query_failed", err)
		return nil, newStorageError(opListPending, err)
	}
	return records, nil
}

// CountPending returns the number of records awaiting sync.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&DeliveryRequest{}).
		Where("sync_status IN ?", []SyncStatus{SyncStatusPendingSync, SyncStatusFailed}).
		Count(&count).Error
	if err != nil {
		s.logError(opCountPending, "query_failed", err)
		return 0, newStorageError(opCountPending, err)
	}
	return count, nil
}

// Delete removes a record by either identifier together with its queue row
// and unsent change sets. Sync logs are kept.
func (s *Store) Delete(ctx context.Context, id string) (DeliveryRequest, error) {
	var deleted DeliveryRequest
	err := s.Transaction(ctx, func(tx *Store) error {
		record, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		db := tx.db.WithContext(ctx)
		if err := db.Where("local_id = ?", record.LocalID).Delete(&DeliveryRequest{}).Error; err != nil {
			return newStorageError(opDelete, err)
		}
		if err := db.Where("request_id = ?", record.LocalID).Delete(&PendingUpdate{}).Error; err != nil {
			return newStorageError(opDelete, err)
		}
		if err := db.Where("local_id = ?", record.LocalID).Delete(&QueueEntry{}).Error; err != nil {
			return newStorageError(opDelete, err)
		}
		deleted = record
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opDelete, "delete_failed", err, zap.String("id", id))
		}
		return DeliveryRequest{}, err
	}
	return deleted, nil
}

// Mutate loads the record, applies fn and writes the result back in one
// transaction. An error from fn aborts the write and is returned as is.
func (s *Store) Mutate(ctx context.Context, id string, fn func(record *DeliveryRequest) error) (DeliveryRequest, error) {
	var updated DeliveryRequest
	err := s.Transaction(ctx, func(tx *Store) error {
		record, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		originalLocalID := record.LocalID
		if err := fn(&record); err != nil {
			return err
		}
		record.LocalID = originalLocalID
		if err := tx.db.WithContext(ctx).Save(&record).Error; err != nil {
			tx.logError(opMutate, "write_failed", err, zap.String("local_id", record.LocalID))
			return newStorageError(opMutate, err)
		}
		updated = record
		return nil
	})
	if err != nil {
		return DeliveryRequest{}, err
	}
	return updated, nil
}

// AppendLog records one sync attempt outcome.
func (s *Store) AppendLog(ctx context.Context, entry SyncLogEntry) (SyncLogEntry, error) {
	entry.ID = 0
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opAppendLog, "insert_failed", err, zap.String("request_id", entry.RequestID))
		return SyncLogEntry{}, newStorageError(opAppendLog, err)
	}
	return entry, nil
}

// ListLogs returns the log entries of one record, newest first.
func (s *Store) ListLogs(ctx context.Context, requestID string) ([]SyncLogEntry, error) {
	var entries []SyncLogEntry
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("synced_at_ms DESC").
		Order("id DESC").
		Find(&entries).Error
	if err != nil {
		s.logError(opListLogs, "query_failed", err, zap.String("request_id", requestID))
		return nil, newStorageError(opListLogs, err)
	}
	return entries, nil
}

// ListRecentLogs returns up to limit log entries across all records, newest first.
func (s *Store) ListRecentLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	query := s.db.WithContext(ctx).Order("synced_at_ms DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []SyncLogEntry
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opListLogs, "query_failed", err)
		return nil, newStorageError(opListLogs, err)
	}
	return entries, nil
}

// LastSuccessfulSync returns the newest synced log entry, if any.
func (s *Store) LastSuccessfulSync(ctx context.Context) (SyncLogEntry, bool, error) {
	var entry SyncLogEntry
	err := s.db.WithContext(ctx).
		Where("sync_status = ?", LogOutcomeSynced).
		Order("synced_at_ms DESC").
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncLogEntry{}, false, nil
	}
	if err != nil {
		s.logError(opLastSuccess, "query_failed", err)
		return SyncLogEntry{}, false, newStorageError(opLastSuccess, err)
	}
	return entry, true, nil
}

// ClearHistory removes all sync logs and the change sets that were already replayed.
func (s *Store) ClearHistory(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&SyncLogEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("is_synced = ?", true).Delete(&PendingUpdate{}).Error
	})
	if err != nil {
		s.logError(opClearHistory, "delete_failed", err)
		return newStorageError(opClearHistory, err)
	}
	return nil
}

// AppendPendingUpdate stores a change set for later replay against the remote store.
func (s *Store) AppendPendingUpdate(ctx context.Context, localID string, changes Changes, nowMillis int64) (PendingUpdate, error) {
	encoded, err := EncodeChanges(changes)
	if err != nil {
		return PendingUpdate{}, err
	}
	update := PendingUpdate{
		RequestID:       localID,
		UpdateJSON:      datatypes.JSON(encoded),
		CreatedAtMillis: nowMillis,
	}
	if err := s.db.WithContext(ctx).Create(&update).Error; err != nil {
		s.logError(opAppendUpdate, "insert_failed", err, zap.String("local_id", localID))
		return PendingUpdate{}, newStorageError(opAppendUpdate, err)
	}
	return update, nil
}

// ListPendingUpdates returns the unsent change sets of a record, oldest first.
func (s *Store) ListPendingUpdates(ctx context.Context, localID string) ([]PendingUpdate, error) {
	var updates []PendingUpdate
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND is_synced = ?", localID, false).
		Order("id ASC").
		Find(&updates).Error
	if err != nil {
		s.logError(opListUpdates, "query_failed", err, zap.String("local_id", localID))
		return nil, newStorageError(opListUpdates, err)
	}
	return updates, nil
}

// MarkPendingUpdatesSynced flags the change sets as replayed.
func (s *Store) MarkPendingUpdatesSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&PendingUpdate{}).
		Where("id IN ?", ids).
		Update("is_synced", true).Error
	if err != nil {
		s.logError(opMarkUpdatesSynced, "update_failed", err)
		return newStorageError(opMarkUpdatesSynced, err)
	}
	return nil
}

// CountPendingUpdates returns the number of change sets awaiting replay.
func (s *Store) CountPendingUpdates(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PendingUpdate{}).
		Where("is_synced = ?", false).
		Count(&count).Error
	if err != nil {
		s.logError(opCountUpdates, "query_failed", err)
		return 0, newStorageError(opCountUpdates, err)
	}
	return count, nil
}

// PutQueueEntry adds a queue row for the record; an existing row is kept.
func (s *Store) PutQueueEntry(ctx context.Context, localID string, nowMillis int64) error {
	entry := QueueEntry{LocalID: localID, EnqueuedAtMillis: nowMillis}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "local_id"}}, DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		s.logError(opPutQueueEntry, "insert_failed", err, zap.String("local_id", localID))
		return newStorageError(opPutQueueEntry, err)
	}
	return nil
}

// DeleteQueueEntry removes the queue row for the record, if present.
func (s *Store) DeleteQueueEntry(ctx context.Context, localID string) error {
	if err := s.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&QueueEntry{}).Error; err != nil {
		s.logError(opDeleteQueueEntry, "delete_failed", err, zap.String("local_id", localID))
		return newStorageError(opDeleteQueueEntry, err)
	}
	return nil
}

// ListQueueEntries returns the persisted queue rows in enqueue order.
func (s *Store) ListQueueEntries(ctx context.Context) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.db.WithContext(ctx).
		Order("enqueued_at_ms ASC").
		Order("local_id ASC").
		Find(&entries).Error
	if err != nil {
		s.logError(opListQueueEntries, "query_failed", err)
		return nil, newStorageError(opListQueueEntries, err)
	}
	return entries, nil
}

// ReplaceQueueEntries swaps the persisted queue rows for entries.
func (s *Store) ReplaceQueueEntries(ctx context.Context, entries []QueueEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&QueueEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Create(&entries).Error
	})
	if err != nil {
		s.logError(opReplaceQueue, "write_failed", err)
		return newStorageError(opReplaceQueue, err)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("local store error", attrs...)
}
