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
	"github.com/venturelink/sync-be/internal/jobs"
	"github.com/venturelink/sync-be/internal/jobs/domain"
	"github.com/venturelink/sync-be/shared/rabbitmq"
)

// JobHandler handles batch job HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	jobs         *jobs.Manager
	rabbitClient *rabbitmq.Client
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		jobs:         deps.Jobs,
		rabbitClient: deps.RabbitClient,
	}
}

// StartJob handles POST /api/v1/jobs/:id/start where :id is the job kind.
// Creates a job for the kind+scope and enqueues it for the worker. The kind
// and job-id routes share the :id wildcard because gin requires one name per
// path segment.
func (h *JobHandler) StartJob(c *gin.Context) {
	kind := c.Param("id")
	if !domain.KnownKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown job kind: " + kind,
		})
		return
	}

	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	h.startJob(c, kind, req.Scope, req.Options)
}

// StartURLHealth handles POST /api/v1/url-health/start
// Convenience entry point that carries the url-health tuning options
func (h *JobHandler) StartURLHealth(c *gin.Context) {
	var req dto.URLHealthStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.ConfidenceThreshold != nil &&
		(*req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "confidence_threshold must be in [0,1]",
		})
		return
	}

	options := map[string]interface{}{}
	if req.IncludeAutoFix != nil {
		options["auto_fix"] = *req.IncludeAutoFix
	}
	if req.ConfidenceThreshold != nil {
		options["confidence_threshold"] = *req.ConfidenceThreshold
	}

	payload, err := json.Marshal(options)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to encode options",
		})
		return
	}

	h.startJob(c, domain.JobKindURLHealth, req.Scope, payload)
}

// startJob persists the job and enqueues its message. A publish failure
// finalizes the job as FAILED so no orphaned PENDING row is left behind.
func (h *JobHandler) startJob(c *gin.Context, kind, scope string, options []byte) {
	ctx := c.Request.Context()

	job, err := h.jobs.StartJob(ctx, kind, scope, 0, options)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			active, aerr := h.jobs.GetActiveJob(ctx, kind, scope)
			resp := gin.H{
				"error": "a job of this kind is already active for this scope",
			}
			if aerr == nil && active != nil {
				resp["active_job"] = toJobDTO(active)
			}
			c.JSON(http.StatusConflict, resp)
			return
		}

		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	message, _ := json.Marshal(gin.H{"job_id": job.JobID})
	if err := h.rabbitClient.PublishWithRetry(ctx, message, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)

		if _, cerr := h.jobs.Complete(ctx, job.JobID, domain.JobStatusFailed, nil,
			"failed to enqueue job message"); cerr != nil {
			h.logger.Error("Failed to finalize unpublished job",
				slog.String("job_id", job.JobID),
				slog.String("error", cerr.Error()),
			)
		}

		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("kind", kind),
		slog.String("scope", scope),
	)

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// GetActiveJob handles GET /api/v1/jobs/:id/active where :id is the job kind.
// Returns the pending or running job for a kind+scope, if any
func (h *JobHandler) GetActiveJob(c *gin.Context) {
	kind := c.Param("id")
	if !domain.KnownKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown job kind: " + kind,
		})
		return
	}

	scope := c.Query("scope")
	if scope == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "scope is required",
		})
		return
	}

	job, err := h.jobs.GetActiveJob(c.Request.Context(), kind, scope)
	if err != nil {
		h.logger.Error("Failed to get active job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get active job",
		})
		return
	}

	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no active job for this kind and scope",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:id
// This is the polling endpoint; the job row carries live progress counters
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}

		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists job history with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := jobs.JobFilter{
		Kind:     req.Kind,
		Scope:    req.Scope,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	list, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(list) > req.PageSize
	if hasMore {
		list = list[:req.PageSize]
	}

	response := make([]dto.JobDTO, len(list))
	for i := range list {
		response[i] = toJobDTO(&list[i])
	}

	var nextCursor string
	if hasMore {
		last := list[len(list)-1]
		nextCursor = EncodeJobCursor(&jobs.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       response,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
// Sets the cooperative cancellation flag; already-applied work is kept
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.jobs.RequestCancellation(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}

		if errors.Is(err, domain.ErrNotRunning) {
			job, gerr := h.jobs.GetJob(c.Request.Context(), jobID)
			resp := gin.H{
				"error": "job is not pending or running",
			}
			if gerr == nil {
				resp["status"] = job.Status
			}
			c.JSON(http.StatusConflict, resp)
			return
		}

		h.logger.Error("Failed to request cancellation", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request cancellation",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"message": "cancellation requested",
	})
}

// toJobDTO maps a job row to its wire shape
func toJobDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID: job.JobID,
		Kind:  job.Kind,
		Scope: job.Scope,
		Progress: dto.ProgressDTO{
			Total:     job.TotalCount,
			Processed: job.ProcessedCount,
			Succeeded: job.SuccessCount,
			Failed:    job.FailureCount,
		},
		Status:          job.Status,
		CancelRequested: job.CancelRequested,
		Result:          json.RawMessage(job.Result),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}

	if job.ErrorMessage.Valid {
		d.Error = job.ErrorMessage.String
	}
	if job.StartedAt.Valid {
		d.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		d.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}

	return d
}
