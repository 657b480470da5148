package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remotestore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenLocal opens the on-device store and brings its schema up to date.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&deliveries.DeliveryRequest{},
		&deliveries.SyncLogEntry{},
		&deliveries.PendingUpdate{},
		&deliveries.QueueEntry{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, localMigrations(), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenRemote opens the reference remote store database.
func OpenRemote(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&remotestore.Delivery{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, remoteMigrations(), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("remote database initialized", zap.String("path", path))
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
