package dto

import "encoding/json"

// ListFailedRecordsRequest carries the query parameters for
// GET /api/v1/failed-records
type ListFailedRecordsRequest struct {
	JobID      string `form:"job_id"`
	RecordType string `form:"record_type"`
	ErrorCode  string `form:"error_code"`
	Status     string `form:"status"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

// FailedRecordDTO is the wire shape of one failed record
type FailedRecordDTO struct {
	RecordID     string          `json:"record_id"`
	JobID        string          `json:"job_id"`
	RecordType   string          `json:"record_type"`
	ExternalID   string          `json:"external_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	RetryCount   int             `json:"retry_count"`
	ResolvedAt   string          `json:"resolved_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// ListFailedRecordsResponse is the page shape for GET /api/v1/failed-records
type ListFailedRecordsResponse struct {
	Records    []FailedRecordDTO `json:"records"`
	NextCursor string            `json:"next_cursor,omitempty"`
}
