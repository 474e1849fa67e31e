package dto

import "encoding/json"

// StartJobRequest is the body for POST /api/v1/jobs/:kind/start
type StartJobRequest struct {
	Scope   string          `json:"scope" binding:"required"`
	Options json.RawMessage `json:"options,omitempty"`
}

// URLHealthStartRequest is the body for POST /api/v1/url-health/start
type URLHealthStartRequest struct {
	Scope               string   `json:"scope" binding:"required"`
	IncludeAutoFix      *bool    `json:"include_auto_fix,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// ListJobsRequest carries the query parameters for GET /api/v1/jobs
type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Scope    string `form:"scope"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ProgressDTO is the counter snapshot embedded in job responses
type ProgressDTO struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// JobDTO is the wire shape of one job
type JobDTO struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Scope           string          `json:"scope"`
	Status          string          `json:"status"`
	Progress        ProgressDTO     `json:"progress"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       string          `json:"started_at,omitempty"`
	CompletedAt     string          `json:"completed_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// ListJobsResponse is the page shape for GET /api/v1/jobs
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}
