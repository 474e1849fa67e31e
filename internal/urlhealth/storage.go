package urlhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CheckRecord is one persisted URL probe outcome
type CheckRecord struct {
	CheckID    string    `db:"check_id"`
	JobID      string    `db:"job_id"`
	OrgID      string    `db:"org_id"`
	Field      string    `db:"field"`
	URL        string    `db:"url"`
	Status     string    `db:"status"`
	HTTPStatus int       `db:"http_status"`
	FinalURL   string    `db:"final_url"`
	Repair     []byte    `db:"repair"`
	CreatedAt  time.Time `db:"created_at"`
}

// Storage persists URL check outcomes for audit and review queues
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates a URL health store
func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// InsertCheck records one probe outcome
func (s *Storage) InsertCheck(ctx context.Context, rec *CheckRecord) error {
	if rec.CheckID == "" {
		rec.CheckID = uuid.New().String()
	}

	query := `
		INSERT INTO url_health_records (
			check_id, job_id, org_id, field, url, status,
			http_status, final_url, repair, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, NOW()
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.CheckID, rec.JobID, rec.OrgID, rec.Field, rec.URL, rec.Status,
		rec.HTTPStatus, rec.FinalURL, rec.Repair,
	)
	if err != nil {
		return fmt.Errorf("failed to insert url check: %w", err)
	}

	return nil
}
