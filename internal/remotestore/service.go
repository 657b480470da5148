// Package remotestore is the reference remote store: it assigns server
// identifiers, deduplicates submissions by local identifier and enforces the
// business status lifecycle.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOwner    = errors.New("owner subject is required")

	// ErrNotFound indicates that no delivery matches the identifier for the caller.
	ErrNotFound = errors.New("remotestore: delivery not found")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("remotestore: status transition not allowed")

	noOpLogger = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "remotestore.service.new"
	opCreate      = "remotestore.create"
	opBulk        = "remotestore.bulk_reconcile"
	opUpdate      = "remotestore.update"
	opGet         = "remotestore.get"
	opList        = "remotestore.list"
	opStatistics  = "remotestore.statistics"
	reasonInvalid = "invalid_payload"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Submission is one record offered by a device.
type Submission struct {
	LocalID string
	Payload deliveries.Payload
}

// Failure explains why one submission of a batch was refused.
type Failure struct {
	LocalID string
	Fields  map[string]string
}

// BulkOutcome partitions a batch.
type BulkOutcome struct {
	Synced []Delivery
	Failed []Failure
}

// ListOptions filters a listing.
type ListOptions struct {
	Status string
	Limit  int
}

// Statistics summarises the deliveries of one owner.
type Statistics struct {
	Total       int64
	Pending     int64
	Active      int64
	Completed   int64
	Cancelled   int64
	SuccessRate float64
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create stores a delivery. A repeated submission of the same local
// identifier returns the stored delivery and created is false.
func (s *Service) Create(ctx context.Context, owner string, submission Submission) (delivery Delivery, created bool, err error) {
	if strings.TrimSpace(owner) == "" {
		return Delivery{}, false, newServiceError(opCreate, "missing_owner", errMissingOwner)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		delivery, created, txErr = s.createWithin(tx, owner, submission)
		return txErr
	})
	if err != nil {
		return Delivery{}, false, err
	}
	return delivery, created, nil
}

// BulkReconcile stores each submission independently. A refused submission
// never affects its siblings.
func (s *Service) BulkReconcile(ctx context.Context, owner string, submissions []Submission) (BulkOutcome, error) {
	if strings.TrimSpace(owner) == "" {
		return BulkOutcome{}, newServiceError(opBulk, "missing_owner", errMissingOwner)
	}
	outcome := BulkOutcome{
		Synced: make([]Delivery, 0, len(submissions)),
		Failed: make([]Failure, 0),
	}
	for _, submission := range submissions {
		var delivery Delivery
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			delivery, _, txErr = s.createWithin(tx, owner, submission)
			return txErr
		})
		if err == nil {
			outcome.Synced = append(outcome.Synced, delivery)
			continue
		}
		if fields, ok := fieldErrors(err); ok {
			outcome.Failed = append(outcome.Failed, Failure{LocalID: submission.LocalID, Fields: fields})
			continue
		}
		return BulkOutcome{}, err
	}
	return outcome, nil
}

// Update applies a partial change set. A status change must follow the lifecycle.
func (s *Service) Update(ctx context.Context, owner string, id int64, changes deliveries.Changes) (Delivery, error) {
	changes = changes.Normalize()
	if err := changes.Validate(); err != nil {
		return Delivery{}, newServiceError(opUpdate, reasonInvalid, err)
	}

	var updated Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var delivery Delivery
		if err := tx.Where("id = ? AND owner_subject = ?", id, owner).Take(&delivery).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opUpdate, "not_found", ErrNotFound)
			}
			s.logError(opUpdate, "select_failed", err, zap.Int64("id", id))
			return newServiceError(opUpdate, "select_failed", err)
		}
		if changes.Status != nil && !CanTransition(delivery.Status, *changes.Status) {
			return newServiceError(opUpdate, "invalid_transition",
				fmt.Errorf("%w: %s to %s", ErrInvalidTransition, delivery.Status, *changes.Status))
		}
		delivery.applyChanges(changes)
		delivery.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		if err := tx.Save(&delivery).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.Int64("id", id))
			return newServiceError(opUpdate, "save_failed", err)
		}
		updated = delivery
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}
	return updated, nil
}

// Get returns one delivery of the owner.
func (s *Service) Get(ctx context.Context, owner string, id int64) (Delivery, error) {
	var delivery Delivery
	err := s.db.WithContext(ctx).Where("id = ? AND owner_subject = ?", id, owner).Take(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Delivery{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.Int64("id", id))
		return Delivery{}, newServiceError(opGet, "select_failed", err)
	}
	return delivery, nil
}

// List returns the owner's deliveries, newest first.
func (s *Service) List(ctx context.Context, owner string, options ListOptions) ([]Delivery, error) {
	limit := options.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := s.db.WithContext(ctx).Where("owner_subject = ?", owner)
	if status := strings.ToLower(strings.TrimSpace(options.Status)); status != "" {
		query = query.Where("status = ?", status)
	}
	var found []Delivery
	if err := query.Order("created_at_ms DESC").Order("id DESC").Limit(limit).Find(&found).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return found, nil
}

// Statistics counts the owner's deliveries by lifecycle group. SuccessRate is
// the delivered share in percent, rounded to two decimals.
func (s *Service) Statistics(ctx context.Context, owner string) (Statistics, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&Delivery{}).
		Select("status, COUNT(*) AS count").
		Where("owner_subject = ?", owner).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		s.logError(opStatistics, "query_failed", err)
		return Statistics{}, newServiceError(opStatistics, "query_failed", err)
	}

	var statistics Statistics
	for _, row := range rows {
		statistics.Total += row.Count
		switch row.Status {
		case deliveries.StatusPending:
			statistics.Pending += row.Count
		case deliveries.StatusAssigned, deliveries.StatusPickedUp, deliveries.StatusInTransit:
			statistics.Active += row.Count
		case deliveries.StatusDelivered:
			statistics.Completed += row.Count
		case deliveries.StatusCancelled:
			statistics.Cancelled += row.Count
		}
	}
	if statistics.Total > 0 {
		rate := float64(statistics.Completed) / float64(statistics.Total) * 100
		statistics.SuccessRate = math.Round(rate*100) / 100
	}
	return statistics, nil
}

func (s *Service) createWithin(tx *gorm.DB, owner string, submission Submission) (Delivery, bool, error) {
	localID, err := deliveries.NewLocalID(submission.LocalID)
	if err != nil {
		return Delivery{}, false, newServiceError(opCreate, reasonInvalid,
			&deliveries.ValidationError{Fields: map[string]string{"local_id": err.Error()}})
	}
	payload := submission.Payload.Normalize()
	if err := payload.Validate(); err != nil {
		return Delivery{}, false, newServiceError(opCreate, reasonInvalid, err)
	}
	// New deliveries start pending; a submitted status must be one lifecycle step away.
	if payload.Status != "" && !CanTransition(deliveries.StatusPending, payload.Status) {
		return Delivery{}, false, newServiceError(opCreate, reasonInvalid,
			&deliveries.ValidationError{Fields: map[string]string{"status": "cannot start as " + payload.Status}})
	}

	var existing Delivery
	err = tx.Where("owner_subject = ? AND local_id = ?", owner, localID.String()).Take(&existing).Error
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logError(opCreate, "select_failed", err, zap.String("local_id", localID.String()))
		return Delivery{}, false, newServiceError(opCreate, "select_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	delivery := Delivery{
		OwnerSubject:    owner,
		LocalID:         localID.String(),
		Status:          deliveries.StatusPending,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	delivery.setPayload(payload)
	if err := tx.Create(&delivery).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("local_id", localID.String()))
		return Delivery{}, false, newServiceError(opCreate, "insert_failed", err)
	}
	return delivery, true, nil
}

// fieldErrors extracts per-field validation messages from err.
func fieldErrors(err error) (map[string]string, bool) {
	var validationErr *deliveries.ValidationError
	if !errors.As(err, &validationErr) {
		return nil, false
	}
	return validationErr.Fields, true
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("remote store error", attrs...)
}
