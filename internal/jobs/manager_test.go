package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venturelink/sync-be/internal/jobs/domain"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return NewManager(sqlxDB, slog.New(slog.DiscardHandler)), mock
}

func jobRow(jobID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"job_id", "kind", "scope", "status", "total_count", "processed_count",
		"success_count", "failure_count", "cancel_requested", "options", "result",
		"error_message", "started_at", "completed_at", "last_heartbeat_at",
		"created_at", "updated_at",
	}).AddRow(
		jobID, domain.JobKindCRMSync, "startups", status, 10, 4,
		3, 1, false, nil, nil,
		nil, now, nil, now,
		now, now,
	)
}

func TestStartJob(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(jobRow("job-1", domain.JobStatusPending))

	job, err := m.StartJob(context.Background(), domain.JobKindCRMSync, "startups", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartJob_AlreadyRunning(t *testing.T) {
	m, mock := newTestManager(t)

	// Conditional insert matches no rows when an active job exists
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	job, err := m.StartJob(context.Background(), domain.JobKindCRMSync, "startups", 10, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartJob_ConcurrentLoserGetsAlreadyRunning(t *testing.T) {
	m, mock := newTestManager(t)

	// Both starts pass the NOT EXISTS check; the unique index rejects the
	// second insert and the violation maps to ErrAlreadyRunning
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_jobs_one_active"})

	job, err := m.StartJob(context.Background(), domain.JobKindCRMSync, "startups", 10, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportProgress(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs(3, 2, 1, "job-1", domain.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.ReportProgress(context.Background(), "job-1", domain.ProgressDelta{
		Processed: 3,
		Succeeded: 2,
		Failed:    1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancellation_NotRunning(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(jobRow("job-1", domain.JobStatusCompleted))

	err := m.RequestCancellation(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancellation_NotFound(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	err := m.RequestCancellation(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_TerminalIsNoOp(t *testing.T) {
	m, mock := newTestManager(t)

	// Job already CANCELED: the guarded update matches nothing and the
	// current state is returned unchanged
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(jobRow("job-1", domain.JobStatusCanceled))

	job, err := m.Complete(context.Background(), "job-1", domain.JobStatusCompleted, nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancellationRequested(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("SELECT cancel_requested FROM jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	requested, err := m.CancellationRequested(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, requested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveJob_NoneActive(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	job, err := m.GetActiveJob(context.Background(), domain.JobKindCRMSync, "startups")
	require.NoError(t, err)
	assert.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}
