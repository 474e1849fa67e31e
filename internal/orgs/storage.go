package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orgColumns = `
	org_id, external_id, scope, kind, name, website, description, stage,
	contact_email, summary, sector, enriched_at, external_modified_at,
	local_modified_at, last_synced_at, created_at, updated_at`

// Storage handles all database operations on organizations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new organization store
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetByExternalID looks up an organization by its CRM identifier within a scope
func (s *Storage) GetByExternalID(ctx context.Context, scope, externalID string) (*Organization, error) {
	var org Organization
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE scope = $1 AND external_id = $2`

	err := s.db.GetContext(ctx, &org, query, scope, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrgNotFound
		}
		return nil, fmt.Errorf("failed to get organization by external id: %w", err)
	}

	return &org, nil
}

// Get returns an organization by its local ID
func (s *Storage) Get(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE org_id = $1`

	err := s.db.GetContext(ctx, &org, query, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrgNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}

// CreateFromExternal inserts a new organization pulled from the CRM. The new
// row starts out in sync: last_synced_at is set and local_modified_at matches
// it so the push phase does not immediately re-send it.
func (s *Storage) CreateFromExternal(ctx context.Context, org *Organization) error {
	if org.OrgID == "" {
		org.OrgID = uuid.New().String()
	}

	query := `
		INSERT INTO organizations (
			org_id, external_id, scope, kind, name, website, description,
			stage, contact_email, external_modified_at, local_modified_at,
			last_synced_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, NOW(),
			NOW(), NOW(), NOW()
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		org.OrgID, org.ExternalID, org.Scope, org.Kind, org.Name,
		org.Website, org.Description, org.Stage, org.ContactEmail,
		org.ExternalModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	return nil
}

// UpdateFromExternal overwrites the CRM-owned fields of an existing
// organization with freshly mapped values. local_modified_at is left alone so
// local edits made since are still pushed later.
func (s *Storage) UpdateFromExternal(ctx context.Context, org *Organization) error {
	query := `
		UPDATE organizations
		SET kind = $1,
		    name = $2,
		    website = $3,
		    description = $4,
		    stage = $5,
		    contact_email = $6,
		    external_modified_at = $7,
		    last_synced_at = NOW(),
		    updated_at = NOW()
		WHERE scope = $8 AND external_id = $9
	`

	res, err := s.db.ExecContext(ctx, query,
		org.Kind, org.Name, org.Website, org.Description, org.Stage,
		org.ContactEmail, org.ExternalModifiedAt, org.Scope, org.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrOrgNotFound
	}

	return nil
}

// ListDirty returns organizations in a scope with local modifications that
// have not been pushed to the CRM yet
func (s *Storage) ListDirty(ctx context.Context, scope string) ([]Organization, error) {
	query := `
		SELECT ` + orgColumns + `
		FROM organizations
		WHERE scope = $1
		  AND (last_synced_at IS NULL OR local_modified_at > last_synced_at)
		ORDER BY local_modified_at ASC
	`

	var list []Organization
	err := s.db.SelectContext(ctx, &list, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty organizations: %w", err)
	}

	return list, nil
}

// ListByScope returns all organizations in a scope, oldest first
func (s *Storage) ListByScope(ctx context.Context, scope string) ([]Organization, error) {
	query := `
		SELECT ` + orgColumns + `
		FROM organizations
		WHERE scope = $1
		ORDER BY created_at ASC
	`

	var list []Organization
	err := s.db.SelectContext(ctx, &list, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	return list, nil
}

// MarkSynced records a successful push: the external identifier assigned by
// the CRM and its modification timestamp
func (s *Storage) MarkSynced(ctx context.Context, orgID, externalID string, modifiedAt *time.Time) error {
	query := `
		UPDATE organizations
		SET external_id = $1,
		    external_modified_at = $2,
		    last_synced_at = NOW(),
		    updated_at = NOW()
		WHERE org_id = $3
	`

	var modified sql.NullTime
	if modifiedAt != nil {
		modified = sql.NullTime{Time: *modifiedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query, externalID, modified, orgID)
	if err != nil {
		return fmt.Errorf("failed to mark organization synced: %w", err)
	}

	return nil
}

// ListURLTargets returns the URL fields of every organization in a scope
// that has a non-empty website, for url-health scans
func (s *Storage) ListURLTargets(ctx context.Context, scope string) ([]URLTarget, error) {
	query := `
		SELECT org_id, 'website' AS field, website AS url
		FROM organizations
		WHERE scope = $1 AND website <> ''
		ORDER BY created_at ASC
	`

	var targets []URLTarget
	err := s.db.SelectContext(ctx, &targets, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list url targets: %w", err)
	}

	return targets, nil
}

// ApplyRepairedURL writes an auto-repaired URL back to the owning
// organization field. Only called above the confidence threshold.
func (s *Storage) ApplyRepairedURL(ctx context.Context, orgID, field, repairedURL string) error {
	if field != "website" {
		return fmt.Errorf("unknown url field: %s", field)
	}

	query := `
		UPDATE organizations
		SET website = $1,
		    local_modified_at = NOW(),
		    updated_at = NOW()
		WHERE org_id = $2
	`

	res, err := s.db.ExecContext(ctx, query, repairedURL, orgID)
	if err != nil {
		return fmt.Errorf("failed to apply repaired url: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrOrgNotFound
	}

	return nil
}

// ApplyEnrichment writes language-model derived profile fields back to the
// organization
func (s *Storage) ApplyEnrichment(ctx context.Context, orgID, summary, sector string) error {
	query := `
		UPDATE organizations
		SET summary = $1,
		    sector = $2,
		    enriched_at = NOW(),
		    updated_at = NOW()
		WHERE org_id = $3
	`

	res, err := s.db.ExecContext(ctx, query, summary, sector, orgID)
	if err != nil {
		return fmt.Errorf("failed to apply enrichment: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrOrgNotFound
	}

	return nil
}
