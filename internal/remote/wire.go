package remote

import (
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	json "github.com/goccy/go-json"
)

// Endpoint paths shared by the client and the reference server.
const (
	PathHealth      = "/healthz"
	PathDeliveries  = "/deliveries"
	PathBulkSync    = "/deliveries/sync/bulk"
	PathStatistics  = "/deliveries/statistics"
	deliveryPathFmt = "/deliveries/%d"
)

// Record is one delivery request as submitted by a device.
type Record struct {
	LocalID string `json:"local_id"`
	deliveries.Payload
}

// ServerRecord is a delivery request as stored by the remote store.
type ServerRecord struct {
	ID      int64  `json:"id"`
	LocalID string `json:"local_id"`
	deliveries.Payload
	IsSynced  bool      `json:"is_synced"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BulkRequest is the body of a bulk reconciliation call.
type BulkRequest struct {
	Requests []Record `json:"requests"`
}

// FailedRecord reports why the remote store refused one record of a batch.
type FailedRecord struct {
	LocalID string            `json:"local_id"`
	Errors  map[string]string `json:"errors"`
}

// Reason flattens the field errors into one line.
func (f FailedRecord) Reason() string {
	return joinFieldErrors(f.Errors)
}

// BulkResponse partitions a batch into accepted and refused records.
type BulkResponse struct {
	Message        string         `json:"message"`
	SyncedRequests []ServerRecord `json:"synced_requests"`
	FailedRequests []FailedRecord `json:"failed_requests"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Statistics summarises the remote store contents.
type Statistics struct {
	TotalRequests     int64   `json:"total_requests"`
	PendingRequests   int64   `json:"pending_requests"`
	ActiveRequests    int64   `json:"active_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	CancelledRequests int64   `json:"cancelled_requests"`
	SuccessRate       float64 `json:"success_rate"`
}

// RecordFrom converts a local record into its wire form.
func RecordFrom(record deliveries.DeliveryRequest) Record {
	return Record{LocalID: record.LocalID, Payload: deliveries.PayloadFromRecord(record)}
}

// EncodeBulkRequest renders the bulk reconciliation body for records.
func EncodeBulkRequest(records []deliveries.DeliveryRequest) ([]byte, error) {
	request := BulkRequest{Requests: make([]Record, 0, len(records))}
	for _, record := range records {
		request.Requests = append(request.Requests, RecordFrom(record))
	}
	return json.Marshal(request)
}

func joinFieldErrors(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+fields[key])
	}
	return strings.Join(parts, "; ")
}
