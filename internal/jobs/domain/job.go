package domain

import (
	"database/sql"
	"time"
)

// Job kinds are a closed set; unknown kinds are rejected at the API boundary
const (
	JobKindCRMSync    = "crm-sync"
	JobKindURLHealth  = "url-health"
	JobKindEnrichment = "enrichment"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

// KnownKind reports whether kind is one of the supported batch job kinds
func KnownKind(kind string) bool {
	switch kind {
	case JobKindCRMSync, JobKindURLHealth, JobKindEnrichment:
		return true
	}
	return false
}

// Job represents one persisted batch run. The job row is the single source of
// truth for progress; pollers read it while the execution loop increments the
// counters.
type Job struct {
	JobID           string         `db:"job_id"`
	Kind            string         `db:"kind"`
	Scope           string         `db:"scope"`
	Status          string         `db:"status"`
	TotalCount      int            `db:"total_count"`
	ProcessedCount  int            `db:"processed_count"`
	SuccessCount    int            `db:"success_count"`
	FailureCount    int            `db:"failure_count"`
	CancelRequested bool           `db:"cancel_requested"`
	Options         []byte         `db:"options"`
	Result          []byte         `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the job reached a final state. Terminal states
// absorb all later transitions.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the job still counts for the one-active-job rule
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// ProgressDelta is one additive progress report. Succeeded+Failed must equal
// Processed so the counter invariant holds at every snapshot.
type ProgressDelta struct {
	Processed int
	Succeeded int
	Failed    int
}
