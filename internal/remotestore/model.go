package remotestore

import (
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
)

// Delivery is a delivery request as held by the remote store. The pair
// (owner_subject, local_id) deduplicates repeated submissions from a device.
type Delivery struct {
	ID                int64    `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerSubject      string   `gorm:"column:owner_subject;size:190;not null;uniqueIndex:idx_remote_owner_local,priority:1"`
	LocalID           string   `gorm:"column:local_id;size:190;not null;uniqueIndex:idx_remote_owner_local,priority:2"`
	PickupAddress     string   `gorm:"column:pickup_address;type:text;not null"`
	DropoffAddress    string   `gorm:"column:dropoff_address;type:text;not null"`
	PickupLat         *float64 `gorm:"column:pickup_lat"`
	PickupLng         *float64 `gorm:"column:pickup_lng"`
	DropoffLat        *float64 `gorm:"column:dropoff_lat"`
	DropoffLng        *float64 `gorm:"column:dropoff_lng"`
	CustomerName      string   `gorm:"column:customer_name;size:100;not null"`
	CustomerPhone     string   `gorm:"column:customer_phone;size:20;not null"`
	DeliveryNotes     string   `gorm:"column:delivery_notes;type:text"`
	Status            string   `gorm:"column:status;size:32;not null;index"`
	EstimatedDistance *float64 `gorm:"column:estimated_distance"`
	EstimatedDuration *int64   `gorm:"column:estimated_duration"`
	ActualDistance    *float64 `gorm:"column:actual_distance"`
	ActualDuration    *int64   `gorm:"column:actual_duration"`
	CreatedAtMillis   int64    `gorm:"column:created_at_ms;not null;index"`
	UpdatedAtMillis   int64    `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Delivery) TableName() string {
	return "remote_deliveries"
}

// Payload returns the business fields.
func (d Delivery) Payload() deliveries.Payload {
	return deliveries.Payload{
		PickupAddress:     d.PickupAddress,
		DropoffAddress:    d.DropoffAddress,
		PickupLat:         d.PickupLat,
		PickupLng:         d.PickupLng,
		DropoffLat:        d.DropoffLat,
		DropoffLng:        d.DropoffLng,
		CustomerName:      d.CustomerName,
		CustomerPhone:     d.CustomerPhone,
		DeliveryNotes:     d.DeliveryNotes,
		Status:            d.Status,
		EstimatedDistance: d.EstimatedDistance,
		EstimatedDuration: d.EstimatedDuration,
		ActualDistance:    d.ActualDistance,
		ActualDuration:    d.ActualDuration,
	}
}

func (d *Delivery) setPayload(payload deliveries.Payload) {
	d.PickupAddress = payload.PickupAddress
	d.DropoffAddress = payload.DropoffAddress
	d.PickupLat = payload.PickupLat
	d.PickupLng = payload.PickupLng
	d.DropoffLat = payload.DropoffLat
	d.DropoffLng = payload.DropoffLng
	d.CustomerName = payload.CustomerName
	d.CustomerPhone = payload.CustomerPhone
	d.DeliveryNotes = payload.DeliveryNotes
	if payload.Status != "" {
		d.Status = payload.Status
	}
	d.EstimatedDistance = payload.EstimatedDistance
	d.EstimatedDuration = payload.EstimatedDuration
	d.ActualDistance = payload.ActualDistance
	d.ActualDuration = payload.ActualDuration
}

func (d *Delivery) applyChanges(changes deliveries.Changes) {
	var scratch deliveries.DeliveryRequest
	d.Payload().ApplyTo(&scratch)
	changes.ApplyTo(&scratch)
	d.setPayload(deliveries.PayloadFromRecord(scratch))
}

// CreatedAt returns the creation time.
func (d Delivery) CreatedAt() time.Time {
	return time.UnixMilli(d.CreatedAtMillis).UTC()
}

// UpdatedAt returns the last modification time.
func (d Delivery) UpdatedAt() time.Time {
	return time.UnixMilli(d.UpdatedAtMillis).UTC()
}

// allowedTransitions lists the business status moves the store accepts.
// Keeping the current status is always allowed.
var allowedTransitions = map[string][]string{
	deliveries.StatusPending:   {deliveries.StatusAssigned, deliveries.StatusCancelled},
	deliveries.StatusAssigned:  {deliveries.StatusPickedUp, deliveries.StatusCancelled},
	deliveries.StatusPickedUp:  {deliveries.StatusInTransit, deliveries.StatusCancelled},
	deliveries.StatusInTransit: {deliveries.StatusDelivered, deliveries.StatusFailed},
}

// CanTransition reports whether a delivery in status from may move to status to.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	return slices.Contains(allowedTransitions[from], to)
}
