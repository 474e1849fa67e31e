package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/venturelink/sync-be/internal/api/dto"
	"github.com/venturelink/sync-be/internal/ledger"
	"github.com/venturelink/sync-be/internal/ledger/domain"
)

// FailedRecordHandler handles failed-record triage HTTP requests
type FailedRecordHandler struct {
	logger   *slog.Logger
	ledger   *ledger.Ledger
	retriers map[string]ledger.Retrier
}

// NewFailedRecordHandler creates a new FailedRecordHandler instance
func NewFailedRecordHandler(deps *Dependencies) *FailedRecordHandler {
	return &FailedRecordHandler{
		logger:   deps.Logger,
		ledger:   deps.Ledger,
		retriers: deps.Retriers,
	}
}

// ListFailedRecords handles GET /api/v1/failed-records
// Lists ledger entries with optional filtering and keyset pagination
func (h *FailedRecordHandler) ListFailedRecords(c *gin.Context) {
	var req dto.ListFailedRecordsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	switch req.Status {
	case "", "open", "resolved":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be open or resolved",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeRecordCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := ledger.Filter{
		JobID:      req.JobID,
		RecordType: req.RecordType,
		ErrorCode:  req.ErrorCode,
		Status:     req.Status,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	}

	records, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list failed records", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list failed records",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	response := make([]dto.FailedRecordDTO, len(records))
	for i := range records {
		response[i] = toFailedRecordDTO(&records[i])
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeRecordCursor(&ledger.Cursor{
			CreatedAt: last.CreatedAt,
			RecordID:  last.RecordID,
		})
	}

	c.JSON(http.StatusOK, dto.ListFailedRecordsResponse{
		Records:    response,
		NextCursor: nextCursor,
	})
}

// RetryFailedRecord handles POST /api/v1/failed-records/:record_id/retry
// Re-runs the single-record processing path with the stored snapshot
func (h *FailedRecordHandler) RetryFailedRecord(c *gin.Context) {
	recordID := c.Param("record_id")

	if _, err := uuid.Parse(recordID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "record_id must be a valid UUID",
		})
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), recordID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "failed record not found",
			})
			return
		}

		h.logger.Error("Failed to load failed record", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load failed record",
		})
		return
	}

	retrier, ok := h.retriers[rec.RecordType]
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "no retry path for record type: " + rec.RecordType,
		})
		return
	}

	updated, err := h.ledger.Retry(c.Request.Context(), recordID, retrier)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			// Resolved in between, or never open
			c.JSON(http.StatusNotFound, gin.H{
				"error": "failed record not found or already resolved",
			})
			return
		}

		h.logger.Error("Failed to retry record", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry record",
		})
		return
	}

	c.JSON(http.StatusOK, toFailedRecordDTO(updated))
}

// DismissFailedRecord handles DELETE /api/v1/failed-records/:record_id
// Resolves a record without reprocessing it
func (h *FailedRecordHandler) DismissFailedRecord(c *gin.Context) {
	recordID := c.Param("record_id")

	if _, err := uuid.Parse(recordID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "record_id must be a valid UUID",
		})
		return
	}

	err := h.ledger.Dismiss(c.Request.Context(), recordID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "failed record not found or already resolved",
			})
			return
		}

		h.logger.Error("Failed to dismiss record", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dismiss record",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// toFailedRecordDTO maps a ledger row to its wire shape
func toFailedRecordDTO(rec *domain.FailedRecord) dto.FailedRecordDTO {
	d := dto.FailedRecordDTO{
		RecordID:     rec.RecordID,
		JobID:        rec.JobID,
		RecordType:   rec.RecordType,
		ExternalID:   rec.ExternalID,
		Payload:      json.RawMessage(rec.Payload),
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		RetryCount:   rec.RetryCount,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    rec.UpdatedAt.Format(time.RFC3339),
	}

	if rec.ResolvedAt.Valid {
		d.ResolvedAt = rec.ResolvedAt.Time.Format(time.RFC3339)
	}

	return d
}
