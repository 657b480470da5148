package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/remotestore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "courier_subject"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingDeliveries     = errors.New("remote store service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Tokens     TokenValidator
	Deliveries *remotestore.Service
	Logger     *zap.Logger
}

// NewHTTPHandler exposes the remote store over HTTP.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Deliveries == nil {
		return nil, errMissingDeliveries
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.Tokens,
		deliveries: deps.Deliveries,
		logger:     logger,
	}

	router.GET(remote.PathHealth, handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(remote.PathDeliveries, handler.handleCreate)
	protected.GET(remote.PathDeliveries, handler.handleList)
	protected.POST(remote.PathBulkSync, handler.handleBulkSync)
	protected.GET(remote.PathStatistics, handler.handleStatistics)
	protected.GET("/deliveries/:id", handler.handleGet)
	protected.PATCH("/deliveries/:id", handler.handleUpdate)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		AllowOriginFunc:  func(string) bool { return true },
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenValidator
	deliveries *remotestore.Service
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	var request remote.Record
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}

	delivery, created, err := h.deliveries.Create(c.Request.Context(), subject, remotestore.Submission{
		LocalID: request.LocalID,
		Payload: request.Payload,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, serverRecordFrom(delivery))
}

func (h *httpHandler) handleBulkSync(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	var request remote.BulkRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Requests) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}

	submissions := make([]remotestore.Submission, 0, len(request.Requests))
	for _, record := range request.Requests {
		submissions = append(submissions, remotestore.Submission{LocalID: record.LocalID, Payload: record.Payload})
	}
	outcome, err := h.deliveries.BulkReconcile(c.Request.Context(), subject, submissions)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	response := remote.BulkResponse{
		Message:        fmt.Sprintf("Synced %d requests, %d failed.", len(outcome.Synced), len(outcome.Failed)),
		SyncedRequests: make([]remote.ServerRecord, 0, len(outcome.Synced)),
		FailedRequests: make([]remote.FailedRecord, 0, len(outcome.Failed)),
	}
	for _, delivery := range outcome.Synced {
		response.SyncedRequests = append(response.SyncedRequests, serverRecordFrom(delivery))
	}
	for _, failure := range outcome.Failed {
		response.FailedRequests = append(response.FailedRequests, remote.FailedRecord{LocalID: failure.LocalID, Errors: failure.Fields})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	id, ok := parseDeliveryID(c)
	if !ok {
		return
	}
	var changes deliveries.Changes
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}

	delivery, err := h.deliveries.Update(c.Request.Context(), subject, id, changes)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, serverRecordFrom(delivery))
}

func (h *httpHandler) handleGet(c *gin.Context) {
	id, ok := parseDeliveryID(c)
	if !ok {
		return
	}
	delivery, err := h.deliveries.Get(c.Request.Context(), c.GetString(subjectContextKey), id)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, serverRecordFrom(delivery))
}

func (h *httpHandler) handleList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	found, err := h.deliveries.List(c.Request.Context(), c.GetString(subjectContextKey), remotestore.ListOptions{
		Status: c.Query("status"),
		Limit:  limit,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	records := make([]remote.ServerRecord, 0, len(found))
	for _, delivery := range found {
		records = append(records, serverRecordFrom(delivery))
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleStatistics(c *gin.Context) {
	statistics, err := h.deliveries.Statistics(c.Request.Context(), c.GetString(subjectContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.Statistics{
		TotalRequests:     statistics.Total,
		PendingRequests:   statistics.Pending,
		ActiveRequests:    statistics.Active,
		CompletedRequests: statistics.Completed,
		CancelledRequests: statistics.Cancelled,
		SuccessRate:       statistics.SuccessRate,
	})
}

// authorizeRequest resolves the bearer header to the owner subject.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := ""
	var serviceErr *remotestore.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	var validationErr *deliveries.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid payload", Code: code, Fields: validationErr.Fields})
	case errors.Is(err, remotestore.ErrNotFound):
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "not found", Code: code})
	case errors.Is(err, remotestore.ErrInvalidTransition):
		message := err.Error()
		if serviceErr != nil && serviceErr.Unwrap() != nil {
			message = serviceErr.Unwrap().Error()
		}
		c.JSON(http.StatusConflict, remote.ErrorResponse{Error: message, Code: code})
	default:
		h.logger.Error("remote store request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, remote.ErrorResponse{Error: "internal error", Code: code})
	}
}

func parseDeliveryID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "not found"})
		return 0, false
	}
	return id, true
}

func serverRecordFrom(delivery remotestore.Delivery) remote.ServerRecord {
	return remote.ServerRecord{
		ID:        delivery.ID,
		LocalID:   delivery.LocalID,
		Payload:   delivery.Payload(),
		IsSynced:  true,
		CreatedAt: delivery.CreatedAt(),
		UpdatedAt: delivery.UpdatedAt(),
	}
}
