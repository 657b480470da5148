package deliveries

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Business lifecycle states. The sync engine persists and forwards them without interpretation.
const (
	StatusPending    = "pending"
	StatusAssigned   = "assigned"
	StatusPickedUp   = "picked_up"
	StatusInProgress = "in_progress"
	StatusInTransit  = "in_transit"
	StatusCompleted  = "completed"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
)

// Payload is the schema for a new delivery request.
type Payload struct {
	PickupAddress     string   `json:"pickup_address" yaml:"pickup_address" validate:"required,max=500"`
	DropoffAddress    string   `json:"dropoff_address" yaml:"dropoff_address" validate:"required,max=500"`
	PickupLat         *float64 `json:"pickup_lat,omitempty" yaml:"pickup_lat" validate:"omitnil,gte=-90,lte=90"`
	PickupLng         *float64 `json:"pickup_lng,omitempty" yaml:"pickup_lng" validate:"omitnil,gte=-180,lte=180"`
	DropoffLat        *float64 `json:"dropoff_lat,omitempty" yaml:"dropoff_lat" validate:"omitnil,gte=-90,lte=90"`
	DropoffLng        *float64 `json:"dropoff_lng,omitempty" yaml:"dropoff_lng" validate:"omitnil,gte=-180,lte=180"`
	CustomerName      string   `json:"customer_name" yaml:"customer_name" validate:"required,max=100"`
	CustomerPhone     string   `json:"customer_phone" yaml:"customer_phone" validate:"required,max=20"`
	DeliveryNotes     string   `json:"delivery_notes,omitempty" yaml:"delivery_notes" validate:"max=2000"`
	Status            string   `json:"status,omitempty" yaml:"status" validate:"omitempty,oneof=pending assigned picked_up in_progress in_transit completed delivered cancelled failed"`
	EstimatedDistance *float64 `json:"estimated_distance,omitempty" yaml:"estimated_distance" validate:"omitnil,gte=0"`
	EstimatedDuration *int64   `json:"estimated_duration,omitempty" yaml:"estimated_duration" validate:"omitnil,gte=0"`
	ActualDistance    *float64 `json:"actual_distance,omitempty" yaml:"actual_distance" validate:"omitnil,gte=0"`
	ActualDuration    *int64   `json:"actual_duration,omitempty" yaml:"actual_duration" validate:"omitnil,gte=0"`
}

// Changes is the schema for a partial update; nil fields are left untouched.
type Changes struct {
	PickupAddress     *string  `json:"pickup_address,omitempty" yaml:"pickup_address" validate:"omitnil,notblank,max=500"`
	DropoffAddress    *string  `json:"dropoff_address,omitempty" yaml:"dropoff_address" validate:"omitnil,notblank,max=500"`
	PickupLat         *float64 `json:"pickup_lat,omitempty" yaml:"pickup_lat" validate:"omitnil,gte=-90,lte=90"`
	PickupLng         *float64 `json:"pickup_lng,omitempty" yaml:"pickup_lng" validate:"omitnil,gte=-180,lte=180"`
	DropoffLat        *float64 `json:"dropoff_lat,omitempty" yaml:"dropoff_lat" validate:"omitnil,gte=-90,lte=90"`
	DropoffLng        *float64 `json:"dropoff_lng,omitempty" yaml:"dropoff_lng" validate:"omitnil,gte=-180,lte=180"`
	CustomerName      *string  `json:"customer_name,omitempty" yaml:"customer_name" validate:"omitnil,notblank,max=100"`
	CustomerPhone     *string  `json:"customer_phone,omitempty" yaml:"customer_phone" validate:"omitnil,notblank,max=20"`
	DeliveryNotes     *string  `json:"delivery_notes,omitempty" yaml:"delivery_notes" validate:"omitnil,max=2000"`
	Status            *string  `json:"status,omitempty" yaml:"status" validate:"omitnil,oneof=pending assigned picked_up in_progress in_transit completed delivered cancelled failed"`
	EstimatedDistance *float64 `json:"estimated_distance,omitempty" yaml:"estimated_distance" validate:"omitnil,gte=0"`
	EstimatedDuration *int64   `json:"estimated_duration,omitempty" yaml:"estimated_duration" validate:"omitnil,gte=0"`
	ActualDistance    *float64 `json:"actual_distance,omitempty" yaml:"actual_distance" validate:"omitnil,gte=0"`
	ActualDuration    *int64   `json:"actual_duration,omitempty" yaml:"actual_duration" validate:"omitnil,gte=0"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	instance := validator.New(validator.WithRequiredStructEnabled())
	instance.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := instance.RegisterValidation("notblank", func(level validator.FieldLevel) bool {
		return strings.TrimSpace(level.Field().String()) != ""
	}); err != nil {
		panic(err)
	}
	return instance
}

// Normalize trims free-text fields.
func (payload Payload) Normalize() Payload {
	payload.PickupAddress = strings.TrimSpace(payload.PickupAddress)
	payload.DropoffAddress = strings.TrimSpace(payload.DropoffAddress)
	payload.CustomerName = strings.TrimSpace(payload.CustomerName)
	payload.CustomerPhone = strings.TrimSpace(payload.CustomerPhone)
	payload.DeliveryNotes = strings.TrimSpace(payload.DeliveryNotes)
	payload.Status = strings.ToLower(strings.TrimSpace(payload.Status))
	return payload
}

// Validate checks the payload against its schema.
func (payload Payload) Validate() error {
	return translateValidation(payloadValidator.Struct(payload))
}

// NewRecord builds a local record from a validated payload.
func (payload Payload) NewRecord(localID LocalID, nowMillis int64) DeliveryRequest {
	record := DeliveryRequest{
		LocalID:         localID.String(),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
		LocalVersion:    1,
	}
	payload.ApplyTo(&record)
	if record.Status == "" {
		record.Status = StatusPending
	}
	return record
}

// ApplyTo overwrites the record's business fields with the payload.
func (payload Payload) ApplyTo(record *DeliveryRequest) {
	record.PickupAddress = payload.PickupAddress
	record.DropoffAddress = payload.DropoffAddress
	record.PickupLat = payload.PickupLat
	record.PickupLng = payload.PickupLng
	record.DropoffLat = payload.DropoffLat
	record.DropoffLng = payload.DropoffLng
	record.CustomerName = payload.CustomerName
	record.CustomerPhone = payload.CustomerPhone
	record.DeliveryNotes = payload.DeliveryNotes
	if payload.Status != "" {
		record.Status = payload.Status
	}
	record.EstimatedDistance = payload.EstimatedDistance
	record.EstimatedDuration = payload.EstimatedDuration
	record.ActualDistance = payload.ActualDistance
	record.ActualDuration = payload.ActualDuration
}

// PayloadFromRecord extracts the business fields of a record.
func PayloadFromRecord(record DeliveryRequest) Payload {
	return Payload{
		PickupAddress:     record.PickupAddress,
		DropoffAddress:    record.DropoffAddress,
		PickupLat:         record.PickupLat,
		PickupLng:         record.PickupLng,
		DropoffLat:        record.DropoffLat,
		DropoffLng:        record.DropoffLng,
		CustomerName:      record.CustomerName,
		CustomerPhone:     record.CustomerPhone,
		DeliveryNotes:     record.DeliveryNotes,
		Status:            record.Status,
		EstimatedDistance: record.EstimatedDistance,
		EstimatedDuration: record.EstimatedDuration,
		ActualDistance:    record.ActualDistance,
		ActualDuration:    record.ActualDuration,
	}
}

// ChangesFromRecord expresses the business state of a record as a change set.
// Status is left out: the remote store owns the lifecycle and a stale local
// status would be refused.
func ChangesFromRecord(record DeliveryRequest) Changes {
	payload := PayloadFromRecord(record)
	return Changes{
		PickupAddress:     &payload.PickupAddress,
		DropoffAddress:    &payload.DropoffAddress,
		PickupLat:         payload.PickupLat,
		PickupLng:         payload.PickupLng,
		DropoffLat:        payload.DropoffLat,
		DropoffLng:        payload.DropoffLng,
		CustomerName:      &payload.CustomerName,
		CustomerPhone:     &payload.CustomerPhone,
		DeliveryNotes:     &payload.DeliveryNotes,
		EstimatedDistance: payload.EstimatedDistance,
		EstimatedDuration: payload.EstimatedDuration,
		ActualDistance:    payload.ActualDistance,
		ActualDuration:    payload.ActualDuration,
	}
}

// Normalize trims free-text fields that are present.
func (changes Changes) Normalize() Changes {
	changes.PickupAddress = trimmedPointer(changes.PickupAddress)
	changes.DropoffAddress = trimmedPointer(changes.DropoffAddress)
	changes.CustomerName = trimmedPointer(changes.CustomerName)
	changes.CustomerPhone = trimmedPointer(changes.CustomerPhone)
	changes.DeliveryNotes = trimmedPointer(changes.DeliveryNotes)
	if changes.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*changes.Status))
		changes.Status = &status
	}
	return changes
}

// Validate checks the change set against its schema.
func (changes Changes) Validate() error {
	if changes.IsEmpty() {
		return &ValidationError{Fields: map[string]string{"changes": "must contain at least one field"}}
	}
	return translateValidation(payloadValidator.Struct(changes))
}

// IsEmpty reports whether no field is set.
func (changes Changes) IsEmpty() bool {
	return changes == Changes{}
}

// ApplyTo merges the set fields into the record.
func (changes Changes) ApplyTo(record *DeliveryRequest) {
	if changes.PickupAddress != nil {
		record.PickupAddress = *changes.PickupAddress
	}
	if changes.DropoffAddress != nil {
		record.DropoffAddress = *changes.DropoffAddress
	}
	if changes.PickupLat != nil {
		record.PickupLat = changes.PickupLat
	}
	if changes.PickupLng != nil {
		record.PickupLng = changes.PickupLng
	}
	if changes.DropoffLat != nil {
		record.DropoffLat = changes.DropoffLat
	}
	if changes.DropoffLng != nil {
		record.DropoffLng = changes.DropoffLng
	}
	if changes.CustomerName != nil {
		record.CustomerName = *changes.CustomerName
	}
	if changes.CustomerPhone != nil {
		record.CustomerPhone = *changes.CustomerPhone
	}
	if changes.DeliveryNotes != nil {
		record.DeliveryNotes = *changes.DeliveryNotes
	}
	if changes.Status != nil {
		record.Status = *changes.Status
	}
	if changes.EstimatedDistance != nil {
		record.EstimatedDistance = changes.EstimatedDistance
	}
	if changes.EstimatedDuration != nil {
		record.EstimatedDuration = changes.EstimatedDuration
	}
	if changes.ActualDistance != nil {
		record.ActualDistance = changes.ActualDistance
	}
	if changes.ActualDuration != nil {
		record.ActualDuration = changes.ActualDuration
	}
}

// ChangesBetween returns the change set that turns from into to. A field
// that is set in from but cleared in to cannot be expressed and is left out.
func ChangesBetween(from, to Payload) Changes {
	changes := Changes{
		PickupAddress:     changedValue(from.PickupAddress, to.PickupAddress),
		DropoffAddress:    changedValue(from.DropoffAddress, to.DropoffAddress),
		PickupLat:         changedPointer(from.PickupLat, to.PickupLat),
		PickupLng:         changedPointer(from.PickupLng, to.PickupLng),
		DropoffLat:        changedPointer(from.DropoffLat, to.DropoffLat),
		DropoffLng:        changedPointer(from.DropoffLng, to.DropoffLng),
		CustomerName:      changedValue(from.CustomerName, to.CustomerName),
		CustomerPhone:     changedValue(from.CustomerPhone, to.CustomerPhone),
		DeliveryNotes:     changedValue(from.DeliveryNotes, to.DeliveryNotes),
		EstimatedDistance: changedPointer(from.EstimatedDistance, to.EstimatedDistance),
		EstimatedDuration: changedPointer(from.EstimatedDuration, to.EstimatedDuration),
		ActualDistance:    changedPointer(from.ActualDistance, to.ActualDistance),
		ActualDuration:    changedPointer(from.ActualDuration, to.ActualDuration),
	}
	if to.Status != "" {
		changes.Status = changedValue(from.Status, to.Status)
	}
	return changes
}

func changedValue[T comparable](from, to T) *T {
	if from == to {
		return nil
	}
	return &to
}

func changedPointer[T comparable](from, to *T) *T {
	if to == nil || (from != nil && *from == *to) {
		return nil
	}
	value := *to
	return &value
}

// EncodeChanges serialises a change set for the pending_updates table.
func EncodeChanges(changes Changes) ([]byte, error) {
	encoded, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("deliveries: encode changes: %w", err)
	}
	return encoded, nil
}

// DecodeChanges parses a change set stored in the pending_updates table.
func DecodeChanges(raw []byte) (Changes, error) {
	var changes Changes
	if err := json.Unmarshal(raw, &changes); err != nil {
		return Changes{}, fmt.Errorf("deliveries: decode changes: %w", err)
	}
	return changes, nil
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func translateValidation(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	fields := make(map[string]string, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		description := fieldError.Tag()
		if fieldError.Param() != "" {
			description += "=" + fieldError.Param()
		}
		fields[fieldError.Field()] = "failed " + description
	}
	return &ValidationError{Fields: fields}
}
