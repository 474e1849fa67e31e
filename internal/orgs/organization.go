package orgs

import (
	"database/sql"
	"errors"
	"time"
)

// Organization kinds
const (
	KindStartup  = "startup"
	KindInvestor = "investor"
)

var (
	// ErrOrgNotFound is returned when an organization cannot be found
	ErrOrgNotFound = errors.New("organization not found")
)

// Organization is the local record for a startup or investor profile. The
// scope column names the CRM collection the record belongs to and is what
// batch jobs target.
type Organization struct {
	OrgID              string       `db:"org_id"`
	ExternalID         string       `db:"external_id"`
	Scope              string       `db:"scope"`
	Kind               string       `db:"kind"`
	Name               string       `db:"name"`
	Website            string       `db:"website"`
	Description        string       `db:"description"`
	Stage              string       `db:"stage"`
	ContactEmail       string       `db:"contact_email"`
	Summary            string       `db:"summary"`
	Sector             string       `db:"sector"`
	EnrichedAt         sql.NullTime `db:"enriched_at"`
	ExternalModifiedAt sql.NullTime `db:"external_modified_at"`
	LocalModifiedAt    time.Time    `db:"local_modified_at"`
	LastSyncedAt       sql.NullTime `db:"last_synced_at"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

// URLTarget is one URL field of an organization, as scanned by url-health jobs
type URLTarget struct {
	OrgID string `db:"org_id"`
	Field string `db:"field"`
	URL   string `db:"url"`
}
