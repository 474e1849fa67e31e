package handler

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturelink/sync-be/internal/jobs"
	"github.com/venturelink/sync-be/internal/jobs/domain"
	"github.com/venturelink/sync-be/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	logger := slog.New(slog.DiscardHandler)

	deps := &Dependencies{
		Logger: logger,
		Jobs:   jobs.NewManager(sqlxDB, logger),
		Ledger: ledger.NewLedger(sqlxDB, logger),
	}

	r := gin.New()
	jobHandler := NewJobHandler(deps)
	recordHandler := NewFailedRecordHandler(deps)

	v1 := r.Group("/api/v1")
	v1.POST("/jobs/:id/start", jobHandler.StartJob)
	v1.GET("/jobs/:id/active", jobHandler.GetActiveJob)
	v1.GET("/jobs/:id", jobHandler.GetJob)
	v1.POST("/jobs/:id/cancel", jobHandler.CancelJob)
	v1.GET("/failed-records", recordHandler.ListFailedRecords)
	v1.DELETE("/failed-records/:record_id", recordHandler.DismissFailedRecord)

	return r, mock
}

func jobRow(jobID, kind, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"job_id", "kind", "scope", "status", "total_count", "processed_count",
		"success_count", "failure_count", "cancel_requested", "options", "result",
		"error_message", "started_at", "completed_at", "last_heartbeat_at",
		"created_at", "updated_at",
	}).AddRow(
		jobID, kind, "startups", status, 10, 4,
		3, 1, false, nil, nil,
		nil, now, nil, now,
		now, now,
	)
}

const testJobID = "6a1f0b54-9f2e-4c8a-bd70-0e2c5f8a9d11"

func TestStartJob_UnknownKind(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/mystery/start",
		strings.NewReader(`{"scope":"startups"}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown job kind")
}

func TestStartJob_MissingScope(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/crm-sync/start",
		strings.NewReader(`{}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_ReturnsProgress(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WithArgs(testJobID).
		WillReturnRows(jobRow(testJobID, domain.JobKindCRMSync, domain.JobStatusRunning))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+testJobID, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":4`)
	assert.Contains(t, w.Body.String(), `"status":"RUNNING"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+testJobID, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_InvalidID(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob_Accepted(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+testJobID+"/cancel", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob_AlreadyTerminal(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// RequestCancellation distinguishes missing from terminal via GetJob
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(jobRow(testJobID, domain.JobKindCRMSync, domain.JobStatusCompleted))
	// The handler re-reads the job to report its current status
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE job_id").
		WillReturnRows(jobRow(testJobID, domain.JobKindCRMSync, domain.JobStatusCompleted))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+testJobID+"/cancel", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"COMPLETED"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveJob_None(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/crm-sync/active?scope=startups", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveJob_RequiresScope(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/crm-sync/active", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDismissFailedRecord_NoContent(t *testing.T) {
	r, mock := newTestRouter(t)

	mock.ExpectExec("UPDATE failed_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/failed-records/"+testJobID, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFailedRecords_InvalidStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/failed-records?status=weird", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
