package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/venturelink/sync-be/internal/faults"
	"github.com/venturelink/sync-be/internal/ledger/domain"
)

const recordColumns = `
	record_id, job_id, record_type, external_id, payload, error_code,
	error_message, retry_count, resolved_at, created_at, updated_at`

// Retrier re-runs the single-record processing path for a failed record
// using its stored payload snapshot
type Retrier interface {
	RetryRecord(ctx context.Context, rec *domain.FailedRecord) error
}

// Ledger is the durable log of records that failed during a batch. Writes
// are append/update only; rows are never deleted, so triage readers never
// observe a row disappear mid-read.
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLedger creates a new failed-record ledger
func NewLedger(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// Record appends a failure to the ledger. A duplicate failure for the same
// (job, external id) while still open is coalesced by bumping the retry
// count and refreshing the error, not by inserting a second row.
func (l *Ledger) Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*domain.FailedRecord, error) {
	query := `
		INSERT INTO failed_records (
			record_id, job_id, record_type, external_id, payload,
			error_code, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, NOW(), NOW()
		)
		ON CONFLICT (job_id, external_id) WHERE resolved_at IS NULL
		DO UPDATE SET
			retry_count = failed_records.retry_count + 1,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
		RETURNING ` + recordColumns

	code := faults.Classify(failure)

	var rec domain.FailedRecord
	err := l.db.GetContext(ctx, &rec, query,
		uuid.New().String(), jobID, recordType, externalID, payload,
		code, failure.Error(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}

	l.logger.Warn("Record failure captured",
		slog.String("job_id", jobID),
		slog.String("record_type", recordType),
		slog.String("external_id", externalID),
		slog.String("error_code", code),
		slog.Int("retry_count", rec.RetryCount),
	)

	return &rec, nil
}

// Get returns a failed record by ID
func (l *Ledger) Get(ctx context.Context, recordID string) (*domain.FailedRecord, error) {
	var rec domain.FailedRecord
	query := `SELECT ` + recordColumns + ` FROM failed_records WHERE record_id = $1`

	err := l.db.GetContext(ctx, &rec, query, recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get failed record: %w", err)
	}

	return &rec, nil
}

// Retry re-invokes the single-record processing path with the stored payload.
// On success the record is resolved; on failure the retry count is bumped and
// the record stays open. Resolved or missing records return ErrRecordNotFound.
func (l *Ledger) Retry(ctx context.Context, recordID string, retrier Retrier) (*domain.FailedRecord, error) {
	var rec domain.FailedRecord
	query := `SELECT ` + recordColumns + ` FROM failed_records WHERE record_id = $1 AND resolved_at IS NULL`

	err := l.db.GetContext(ctx, &rec, query, recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to load failed record: %w", err)
	}

	retryErr := retrier.RetryRecord(ctx, &rec)
	if retryErr != nil {
		update := `
			UPDATE failed_records
			SET retry_count = retry_count + 1,
			    error_code = $1,
			    error_message = $2,
			    updated_at = NOW()
			WHERE record_id = $3
		`
		if _, err := l.db.ExecContext(ctx, update,
			faults.Classify(retryErr), retryErr.Error(), recordID); err != nil {
			return nil, fmt.Errorf("failed to update record after retry: %w", err)
		}

		l.logger.Warn("Failed record retry unsuccessful",
			slog.String("record_id", recordID),
			slog.String("error", retryErr.Error()),
		)

		return l.Get(ctx, recordID)
	}

	update := `
		UPDATE failed_records
		SET retry_count = retry_count + 1,
		    resolved_at = NOW(),
		    updated_at = NOW()
		WHERE record_id = $1
	`
	if _, err := l.db.ExecContext(ctx, update, recordID); err != nil {
		return nil, fmt.Errorf("failed to resolve record after retry: %w", err)
	}

	l.logger.Info("Failed record resolved by retry",
		slog.String("record_id", recordID),
	)

	return l.Get(ctx, recordID)
}

// Dismiss resolves a record without reprocessing it, for records the
// operator judges not worth retrying
func (l *Ledger) Dismiss(ctx context.Context, recordID string) error {
	query := `
		UPDATE failed_records
		SET resolved_at = NOW(),
		    updated_at = NOW()
		WHERE record_id = $1 AND resolved_at IS NULL
	`

	res, err := l.db.ExecContext(ctx, query, recordID)
	if err != nil {
		return fmt.Errorf("failed to dismiss record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrRecordNotFound
	}

	l.logger.Info("Failed record dismissed",
		slog.String("record_id", recordID),
	)

	return nil
}

// Filter narrows List results
type Filter struct {
	JobID      string
	RecordType string
	ErrorCode  string
	Status     string // "open", "resolved", or "" for both
	PageSize   int
	Cursor     *Cursor
}

// Cursor is a keyset-pagination position over (created_at, record_id)
type Cursor struct {
	CreatedAt time.Time
	RecordID  string
}

// List returns failed records newest-first with keyset pagination, fetching
// one extra row so callers can detect whether more exist
func (l *Ledger) List(ctx context.Context, filter Filter) ([]domain.FailedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM failed_records WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobID != "" {
		query += fmt.Sprintf(" AND job_id = $%d", argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}

	if filter.RecordType != "" {
		query += fmt.Sprintf(" AND record_type = $%d", argIdx)
		args = append(args, filter.RecordType)
		argIdx++
	}

	if filter.ErrorCode != "" {
		query += fmt.Sprintf(" AND error_code = $%d", argIdx)
		args = append(args, filter.ErrorCode)
		argIdx++
	}

	switch filter.Status {
	case "open":
		query += " AND resolved_at IS NULL"
	case "resolved":
		query += " AND resolved_at IS NOT NULL"
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, record_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.RecordID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, record_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []domain.FailedRecord
	err := l.db.SelectContext(ctx, &records, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}

	return records, nil
}
