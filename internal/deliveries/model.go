package deliveries

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SyncStatus is the engine-owned replication state of a record.
type SyncStatus string

const (
	// SyncStatusSynced marks a record acknowledged by the remote store.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPendingSync marks a record awaiting transmission.
	SyncStatusPendingSync SyncStatus = "pending_sync"
	// SyncStatusFailed marks a record whose last attempt was rejected.
	SyncStatusFailed SyncStatus = "failed"
)

// Pending reports whether the status keeps a record in the sync queue.
func (status SyncStatus) Pending() bool {
	return status == SyncStatusPendingSync || status == SyncStatusFailed
}

// LogOutcome is the recorded result of one sync attempt.
type LogOutcome string

const (
	// LogOutcomeSynced records an accepted record.
	LogOutcomeSynced LogOutcome = "synced"
	// LogOutcomeFailed records a rejected record.
	LogOutcomeFailed LogOutcome = "failed"
	// LogOutcomeBatchFailed records a transport-level failure that left records untouched.
	LogOutcomeBatchFailed LogOutcome = "batch_failed"
	// LogOutcomeDeferred records an acknowledgement that still left local
	// changes to send, so the record stayed pending.
	LogOutcomeDeferred LogOutcome = "deferred"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLocalID indicates that a local identifier is empty or exceeds storage bounds.
	ErrInvalidLocalID = errors.New("deliveries: invalid local id")
	// ErrInvalidServerID indicates that a server identifier is not positive.
	ErrInvalidServerID = errors.New("deliveries: invalid server id")
)

// LocalID is a validated device-minted identifier.
type LocalID string

// NewLocalID validates raw input and returns a LocalID.
func NewLocalID(rawInput string) (LocalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLocalID, maxIdentifierLength)
	}
	return LocalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LocalID) String() string {
	return string(id)
}

// ServerID is a validated identifier assigned by the remote store.
type ServerID int64

// NewServerID validates the value and returns a ServerID.
func NewServerID(value int64) (ServerID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidServerID, value)
	}
	return ServerID(value), nil
}

// ParseServerID parses the decimal form of a server identifier.
func ParseServerID(rawInput string) (ServerID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(rawInput), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidServerID, rawInput)
	}
	return NewServerID(value)
}

// Int64 exposes the raw identifier.
func (id ServerID) Int64() int64 {
	return int64(id)
}

// DeliveryRequest is the locally persisted delivery request.
type DeliveryRequest struct {
	LocalID             string     `gorm:"column:local_id;primaryKey;size:190;not null"`
	ServerID            *int64     `gorm:"column:server_id;uniqueIndex"`
	PickupAddress       string     `gorm:"column:pickup_address;type:text;not null"`
	DropoffAddress      string     `gorm:"column:dropoff_address;type:text;not null"`
	PickupLat           *float64   `gorm:"column:pickup_lat"`
	PickupLng           *float64   `gorm:"column:pickup_lng"`
	DropoffLat          *float64   `gorm:"column:dropoff_lat"`
	DropoffLng          *float64   `gorm:"column:dropoff_lng"`
	CustomerName        string     `gorm:"column:customer_name;size:100;not null"`
	CustomerPhone       string     `gorm:"column:customer_phone;size:20;not null"`
	DeliveryNotes       string     `gorm:"column:delivery_notes;type:text"`
	Status              string     `gorm:"column:status;size:32;not null"`
	EstimatedDistance   *float64   `gorm:"column:estimated_distance"`
	EstimatedDuration   *int64     `gorm:"column:estimated_duration"`
	ActualDistance      *float64   `gorm:"column:actual_distance"`
	ActualDuration      *int64     `gorm:"column:actual_duration"`
	SyncStatus          SyncStatus `gorm:"column:sync_status;size:32;not null;index"`
	IsSynced            bool       `gorm:"column:is_synced;not null"`
	RetryCount          int        `gorm:"column:retry_count;not null"`
	LastError           string     `gorm:"column:last_error;type:text"`
	NextAttemptAtMillis int64      `gorm:"column:next_attempt_at_ms;not null"`
	LocalVersion        int64      `gorm:"column:local_version;not null"`
	CreatedAtMillis     int64      `gorm:"column:created_at_ms;not null;index"`
	UpdatedAtMillis     int64      `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryRequest) TableName() string {
	return "delivery_requests"
}

// ServerIDValue returns the server identifier when one has been assigned.
func (record DeliveryRequest) ServerIDValue() (ServerID, bool) {
	if record.ServerID == nil || *record.ServerID <= 0 {
		return 0, false
	}
	return ServerID(*record.ServerID), true
}

// CreatedAt returns the local creation time.
func (record DeliveryRequest) CreatedAt() time.Time {
	return time.UnixMilli(record.CreatedAtMillis).UTC()
}

// UpdatedAt returns the last local mutation time.
func (record DeliveryRequest) UpdatedAt() time.Time {
	return time.UnixMilli(record.UpdatedAtMillis).UTC()
}

// NextAttemptAt returns the earliest time an automatic retry may include the record.
func (record DeliveryRequest) NextAttemptAt() time.Time {
	if record.NextAttemptAtMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(record.NextAttemptAtMillis).UTC()
}

// SetSyncStatus updates the sync status together with the legacy is_synced column.
func (record *DeliveryRequest) SetSyncStatus(status SyncStatus) {
	record.SyncStatus = status
	record.IsSynced = status == SyncStatusSynced
}

// AssignServerID records the server identifier; an existing identifier is never replaced.
func (record *DeliveryRequest) AssignServerID(id ServerID) error {
	if existing, ok := record.ServerIDValue(); ok {
		if existing != id {
			return fmt.Errorf("%w: record %s bound to %d, refusing %d", ErrServerIDConflict, record.LocalID, existing, id)
		}
		return nil
	}
	value := id.Int64()
	record.ServerID = &value
	return nil
}

// SyncLogEntry is an immutable record of one sync attempt outcome.
// RequestID is empty for batch-level entries.
type SyncLogEntry struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID      string     `gorm:"column:request_id;size:190;not null;index"`
	ServerID       *int64     `gorm:"column:server_id"`
	Outcome        LogOutcome `gorm:"column:sync_status;size:32;not null;index"`
	Trigger        string     `gorm:"column:trigger;size:32;not null"`
	ErrorMessage   string     `gorm:"column:error_message;type:text"`
	RetryCount     int        `gorm:"column:retry_count;not null"`
	BatchSize      int        `gorm:"column:batch_size;not null"`
	SyncedAtMillis int64      `gorm:"column:synced_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SyncLogEntry) TableName() string {
	return "sync_logs"
}

// SyncedAt returns the time the attempt finished.
func (entry SyncLogEntry) SyncedAt() time.Time {
	return time.UnixMilli(entry.SyncedAtMillis).UTC()
}

// PendingUpdate stores a change set made to an already-synced record before it could be sent.
type PendingUpdate struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID       string         `gorm:"column:request_id;size:190;not null;index"`
	UpdateJSON      datatypes.JSON `gorm:"column:update_data;not null"`
	IsSynced        bool           `gorm:"column:is_synced;not null;index"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingUpdate) TableName() string {
	return "pending_updates"
}

// QueueEntry is the persisted membership row of the sync queue.
type QueueEntry struct {
	LocalID          string `gorm:"column:local_id;primaryKey;size:190;not null"`
	EnqueuedAtMillis int64  `gorm:"column:enqueued_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QueueEntry) TableName() string {
	return "sync_queue"
}
