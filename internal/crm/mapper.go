package crm

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/venturelink/sync-be/internal/faults"
	"github.com/venturelink/sync-be/internal/orgs"
)

// ToOrganization maps a CRM record onto a local organization. Records the
// mapper rejects are recorded in the ledger as validation failures and never
// retried automatically.
func ToOrganization(scope string, rec *Record) (*orgs.Organization, error) {
	if rec.ID == "" {
		return nil, faults.Validation(fmt.Errorf("record has no id"))
	}

	if strings.TrimSpace(rec.Name) == "" {
		return nil, faults.Validation(fmt.Errorf("record %s has no name", rec.ID))
	}

	kind := strings.ToLower(rec.Kind)
	switch kind {
	case orgs.KindStartup, orgs.KindInvestor:
	default:
		return nil, faults.Validation(fmt.Errorf("record %s has unknown kind %q", rec.ID, rec.Kind))
	}

	org := &orgs.Organization{
		ExternalID:   rec.ID,
		Scope:        scope,
		Kind:         kind,
		Name:         strings.TrimSpace(rec.Name),
		Website:      strings.TrimSpace(rec.Website),
		Description:  rec.Description,
		Stage:        rec.Stage,
		ContactEmail: strings.TrimSpace(rec.Email),
	}

	if rec.ModifiedAt != nil {
		org.ExternalModifiedAt = sql.NullTime{Time: *rec.ModifiedAt, Valid: true}
	}

	return org, nil
}

// FromOrganization maps a local organization to the CRM record shape for a
// push. The CRM-assigned ID is carried only when the organization has been
// synced before.
func FromOrganization(org *orgs.Organization) *Record {
	rec := &Record{
		ID:          org.ExternalID,
		Kind:        org.Kind,
		Name:        org.Name,
		Website:     org.Website,
		Description: org.Description,
		Stage:       org.Stage,
		Email:       org.ContactEmail,
	}

	if org.ExternalModifiedAt.Valid {
		t := org.ExternalModifiedAt.Time
		rec.ModifiedAt = &t
	}

	return rec
}

// ExternalNewer reports whether the CRM copy should win for a pulled record.
// A record with no modification timestamp on either side is treated as
// external-authoritative.
func ExternalNewer(rec *Record, org *orgs.Organization) bool {
	if rec.ModifiedAt == nil || !org.ExternalModifiedAt.Valid {
		return true
	}

	return rec.ModifiedAt.After(org.ExternalModifiedAt.Time)
}
