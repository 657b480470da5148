package deliveries

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:courier_deliveries_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&DeliveryRequest{}, &SyncLogEntry{}, &PendingUpdate{}, &QueueEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func sampleRecord(localID string, createdAtMillis int64) DeliveryRequest {
	payload := Payload{
		PickupAddress:  "1 Pickup Way",
		DropoffAddress: "2 Dropoff Road",
		CustomerName:   "Ada",
		CustomerPhone:  "555-0100",
	}
	record := payload.NewRecord(LocalID(localID), createdAtMillis)
	record.SetSyncStatus(SyncStatusPendingSync)
	return record
}

func int64Pointer(value int64) *int64 {
	return &value
}

func stringPointer(value string) *string {
	return &value
}

func floatPointer(value float64) *float64 {
	return &value
}
