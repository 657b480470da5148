// Package remote talks to the remote delivery store over HTTP and classifies
// every failure as either a rejection or a retryable transport problem.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 8 << 20
)

var (
	errMissingBaseURL     = errors.New("remote base url is required")
	errMissingCredentials = errors.New("credential provider is required")
	noOpLogger            = zap.NewNop()
)

// CredentialProvider supplies the bearer credential for each call.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate discards the cached credential after the remote refused it.
	Invalidate()
}

// Acknowledgement is the remote store's confirmation of one record.
type Acknowledgement struct {
	LocalID  string
	ServerID deliveries.ServerID
	Payload  deliveries.Payload
}

// Rejection is the remote store's refusal of one record in a batch.
type Rejection struct {
	LocalID string
	Reason  string
}

// BulkResult partitions a reconciled batch.
type BulkResult struct {
	Accepted []Acknowledgement
	Rejected []Rejection
}

// ClientConfig wires the HTTP client.
type ClientConfig struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Credentials CredentialProvider
	Logger      *zap.Logger
}

// Client calls the remote store endpoints.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialProvider
	logger      *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		credentials: cfg.Credentials,
		logger:      logger,
	}, nil
}

// Create submits a single record. The remote store deduplicates on local_id.
func (c *Client) Create(ctx context.Context, record deliveries.DeliveryRequest) (Acknowledgement, error) {
	var created ServerRecord
	if err := c.do(ctx, http.MethodPost, PathDeliveries, RecordFrom(record), &created); err != nil {
		return Acknowledgement{}, err
	}
	return acknowledgementFrom(created)
}

// BulkReconcile submits a batch. Records absent from the answer are reported in neither list.
func (c *Client) BulkReconcile(ctx context.Context, records []deliveries.DeliveryRequest) (BulkResult, error) {
	body, err := EncodeBulkRequest(records)
	if err != nil {
		return BulkResult{}, err
	}
	var response BulkResponse
	if err := c.do(ctx, http.MethodPost, PathBulkSync, json.RawMessage(body), &response); err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{
		Accepted: make([]Acknowledgement, 0, len(response.SyncedRequests)),
		Rejected: make([]Rejection, 0, len(response.FailedRequests)),
	}
	for _, synced := range response.SyncedRequests {
		acknowledgement, err := acknowledgementFrom(synced)
		if err != nil {
			c.logger.Warn("remote returned an unusable record",
				zap.String("local_id", synced.LocalID),
				zap.Error(err))
			continue
		}
		result.Accepted = append(result.Accepted, acknowledgement)
	}
	for _, failed := range response.FailedRequests {
		result.Rejected = append(result.Rejected, Rejection{LocalID: failed.LocalID, Reason: failed.Reason()})
	}
	return result, nil
}

// Update sends a partial change set for a record the remote store already knows.
func (c *Client) Update(ctx context.Context, serverID deliveries.ServerID, changes deliveries.Changes) (Acknowledgement, error) {
	var updated ServerRecord
	path := fmt.Sprintf(deliveryPathFmt, serverID.Int64())
	if err := c.do(ctx, http.MethodPatch, path, changes, &updated); err != nil {
		return Acknowledgement{}, err
	}
	return acknowledgementFrom(updated)
}

// Statistics fetches the remote store summary.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var statistics Statistics
	if err := c.do(ctx, http.MethodGet, PathStatistics, nil, &statistics); err != nil {
		return Statistics{}, err
	}
	return statistics, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationExpired, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	switch status := response.StatusCode; {
	case status == http.StatusUnauthorized:
		c.credentials.Invalidate()
		return ErrAuthorizationExpired
	case status >= 200 && status < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%w: malformed response: %v", ErrUnreachable, err)
		}
		return nil
	case isRejection(status):
		var errorResponse ErrorResponse
		_ = json.Unmarshal(payload, &errorResponse)
		reason := errorResponse.Error
		if reason == "" {
			reason = http.StatusText(status)
		}
		return &RejectedError{
			StatusCode: status,
			Code:       errorResponse.Code,
			Reason:     reason,
			Fields:     errorResponse.Fields,
		}
	default:
		c.logger.Warn("remote answered with an unexpected status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status))
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	}
}

func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func acknowledgementFrom(record ServerRecord) (Acknowledgement, error) {
	serverID, err := deliveries.NewServerID(record.ID)
	if err != nil {
		return Acknowledgement{}, err
	}
	return Acknowledgement{LocalID: record.LocalID, ServerID: serverID, Payload: record.Payload}, nil
}
