package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/venturelink/sync-be/internal/jobs/domain"
)

const jobColumns = `
	job_id, kind, scope, status, total_count, processed_count,
	success_count, failure_count, cancel_requested, options, result,
	error_message, started_at, completed_at, last_heartbeat_at,
	created_at, updated_at`

// Manager owns the batch job state machine: PENDING -> RUNNING ->
// {COMPLETED, FAILED, CANCELED}. All mutations go through per-row UPDATE
// statements so concurrent pollers never observe torn or regressing counters.
type Manager struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewManager creates a new job lifecycle manager
func NewManager(db *sqlx.DB, logger *slog.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger,
	}
}

// StartJob persists a new PENDING job for the given kind and scope. The
// insert is conditional on no other active job existing for the same
// kind+scope, which makes the one-active-job rule race-safe across processes.
func (m *Manager) StartJob(ctx context.Context, kind, scope string, totalEstimate int, options []byte) (*domain.Job, error) {
	jobID := uuid.New().String()

	query := `
		INSERT INTO jobs (
			job_id, kind, scope, status, total_count, options,
			created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, NOW(), NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE kind = $2 AND scope = $3 AND status IN ($7, $8)
		)
	`

	res, err := m.db.ExecContext(ctx, query,
		jobID, kind, scope, domain.JobStatusPending, totalEstimate, options,
		domain.JobStatusPending, domain.JobStatusRunning,
	)
	if err != nil {
		// Two concurrent starts can both pass the NOT EXISTS check under
		// READ COMMITTED; the partial unique index catches the loser.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_jobs_one_active" {
			return nil, domain.ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return nil, domain.ErrAlreadyRunning
	}

	m.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.String("scope", scope),
	)

	return m.GetJob(ctx, jobID)
}

// MarkRunning transitions a PENDING job to RUNNING. Returns ErrNotRunning if
// the job was cancelled (or otherwise left PENDING) before the loop started.
func (m *Manager) MarkRunning(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	res, err := m.db.ExecContext(ctx, query, domain.JobStatusRunning, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrNotRunning
	}

	return nil
}

// ReportProgress atomically adds a delta to the job counters. The additive
// UPDATE keeps counters monotone even if a retry path reports concurrently;
// total_count is clamped so processed never exceeds it.
func (m *Manager) ReportProgress(ctx context.Context, jobID string, delta domain.ProgressDelta) error {
	query := `
		UPDATE jobs
		SET processed_count = processed_count + $1,
		    success_count = success_count + $2,
		    failure_count = failure_count + $3,
		    total_count = GREATEST(total_count, processed_count + $1),
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5
	`

	_, err := m.db.ExecContext(ctx, query,
		delta.Processed, delta.Succeeded, delta.Failed,
		jobID, domain.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}

	return nil
}

// SetTotal raises the job's total record count once the scope size is known.
// The total never drops below the processed count.
func (m *Manager) SetTotal(ctx context.Context, jobID string, total int) error {
	query := `
		UPDATE jobs
		SET total_count = GREATEST($1, processed_count),
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	_, err := m.db.ExecContext(ctx, query, total, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to set job total: %w", err)
	}

	return nil
}

// RequestCancellation sets the cooperative cancellation flag on an active
// job. The execution loop honors it at the next checkpoint; creates and
// updates already applied are not rolled back.
func (m *Manager) RequestCancellation(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1 AND status IN ($2, $3)
	`

	res, err := m.db.ExecContext(ctx, query, jobID, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		if _, err := m.GetJob(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrNotRunning
	}

	m.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
	)

	return nil
}

// CancellationRequested reads the cancellation flag for the execution loop's
// per-record checkpoint
func (m *Manager) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := m.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}

	return requested, nil
}

// Complete transitions an active job to a terminal state and records the
// outcome payload. If the job is already terminal the update matches no rows
// and the current state is returned unchanged, which keeps the state machine
// monotonic under races with a stale execution loop.
func (m *Manager) Complete(ctx context.Context, jobID, status string, result []byte, errorMsg string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = NULLIF($3, ''),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $4 AND status IN ($5, $6)
	`

	res, err := m.db.ExecContext(ctx, query,
		status, result, errorMsg,
		jobID, domain.JobStatusPending, domain.JobStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		m.logger.Warn("Complete is a no-op, job already terminal",
			slog.String("job_id", jobID),
			slog.String("current_status", job.Status),
			slog.String("requested_status", status),
		)
		return job, nil
	}

	m.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("status", status),
		slog.Int("processed", job.ProcessedCount),
		slog.Int("failed", job.FailureCount),
	)

	return job, nil
}

// Heartbeat updates the last_heartbeat_at timestamp for a running job
func (m *Manager) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	_, err := m.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	return nil
}

// GetJob retrieves a job by its ID
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := m.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetActiveJob returns the pending or running job for a kind+scope, or nil
// if none is active. Used by pollers and by StartJob's mutual-exclusion check.
func (m *Manager) GetActiveJob(ctx context.Context, kind, scope string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE kind = $1 AND scope = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := m.db.GetContext(ctx, &job, query, kind, scope,
		domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}

	return &job, nil
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	Kind     string
	Scope    string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset-pagination position over (created_at, job_id)
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns job history newest-first with keyset pagination. One extra
// row beyond PageSize is fetched so callers can detect whether more exist.
func (m *Manager) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Scope != "" {
		query += fmt.Sprintf(" AND scope = $%d", argIdx)
		args = append(args, filter.Scope)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var list []domain.Job
	err := m.db.SelectContext(ctx, &list, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return list, nil
}
