package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSyncStatus = "2026-09-14_backfill_sync_status"
	migrationSeedSyncQueue      = "2026-09-21_seed_sync_queue"
	migrationNormalizeStatus    = "2026-09-28_normalize_remote_status"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillSyncStatus, apply: backfillSyncStatus},
		{name: migrationSeedSyncQueue, apply: seedSyncQueue},
	}
}

func remoteMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeStatus, apply: normalizeRemoteStatus},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSyncStatus derives sync_status for rows written before the column
// existed, when is_synced was the only replication flag.
func backfillSyncStatus(db *gorm.DB) error {
	if err := db.Model(&deliveries.DeliveryRequest{}).
		Where("sync_status = '' AND is_synced = ?", true).
		Update("sync_status", deliveries.SyncStatusSynced).Error; err != nil {
		return err
	}
	return db.Model(&deliveries.DeliveryRequest{}).
		Where("sync_status = '' AND is_synced = ?", false).
		Update("sync_status", deliveries.SyncStatusPendingSync).Error
}

func seedSyncQueue(db *gorm.DB) error {
	return db.Exec(
		"INSERT OR IGNORE INTO sync_queue (local_id, enqueued_at_ms) "+
			"SELECT local_id, updated_at_ms FROM delivery_requests WHERE sync_status IN (?, ?)",
		deliveries.SyncStatusPendingSync, deliveries.SyncStatusFailed,
	).Error
}

func normalizeRemoteStatus(db *gorm.DB) error {
	return db.Exec("UPDATE remote_deliveries SET status = lower(trim(status)) WHERE status <> lower(trim(status))").Error
}
