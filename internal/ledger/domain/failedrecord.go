package domain

import (
	"database/sql"
	"time"
)

// Record types stored in the ledger
const (
	RecordTypeCRMRecord    = "crm-record"
	RecordTypeOrganization = "organization"
	RecordTypeURLHealth    = "url-health"
	RecordTypeEnrichment   = "enrichment"
)

// FailedRecord is one record's processing failure within a batch run. The
// payload is an opaque snapshot of the record at failure time so a retry does
// not need to re-fetch from the external system.
type FailedRecord struct {
	RecordID     string       `db:"record_id"`
	JobID        string       `db:"job_id"`
	RecordType   string       `db:"record_type"`
	ExternalID   string       `db:"external_id"`
	Payload      []byte       `db:"payload"`
	ErrorCode    string       `db:"error_code"`
	ErrorMessage string       `db:"error_message"`
	RetryCount   int          `db:"retry_count"`
	ResolvedAt   sql.NullTime `db:"resolved_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// Resolved reports whether the record has been closed by a successful retry
// or a dismissal. Resolved records are excluded from open views and cannot be
// retried again.
func (r *FailedRecord) Resolved() bool {
	return r.ResolvedAt.Valid
}
