package enrich

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturelink/sync-be/internal/faults"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
)

func TestParseProfile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid profile",
			content: `{"summary": "Builds rockets. Sells launches.", "sector": "Aerospace"}`,
		},
		{
			name:    "whitespace trimmed",
			content: `{"summary": "  Text  ", "sector": " Fintech "}`,
		},
		{
			name:    "not json",
			content: "Sure! Here is the profile you asked for.",
			wantErr: true,
		},
		{
			name:    "missing sector",
			content: `{"summary": "Builds rockets."}`,
			wantErr: true,
		},
		{
			name:    "empty fields",
			content: `{"summary": "", "sector": ""}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile, err := parseProfile(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, faults.Is(err, faults.CodeValidation))
				return
			}

			require.NoError(t, err)
			assert.NotContains(t, profile.Summary, "  ")
			assert.NotEmpty(t, profile.Sector)
		})
	}
}

func TestNewEnricher_RequiresAPIKey(t *testing.T) {
	_, err := NewEnricher("", "gpt-4o-mini", time.Minute)
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

// fakeSource returns canned profiles keyed by organization name
type fakeSource struct {
	profiles map[string]*Profile
	errs     map[string]error
	calls    int
}

func (f *fakeSource) Enrich(ctx context.Context, org *orgs.Organization) (*Profile, error) {
	f.calls++
	if err := f.errs[org.Name]; err != nil {
		return nil, err
	}
	return f.profiles[org.Name], nil
}

type fakeOrgStore struct {
	list     []orgs.Organization
	enriched map[string]*Profile
}

func (f *fakeOrgStore) Get(ctx context.Context, orgID string) (*orgs.Organization, error) {
	for i := range f.list {
		if f.list[i].OrgID == orgID {
			return &f.list[i], nil
		}
	}
	return nil, orgs.ErrOrgNotFound
}

func (f *fakeOrgStore) ListByScope(ctx context.Context, scope string) ([]orgs.Organization, error) {
	return f.list, nil
}

func (f *fakeOrgStore) ApplyEnrichment(ctx context.Context, orgID, summary, sector string) error {
	if f.enriched == nil {
		f.enriched = map[string]*Profile{}
	}
	f.enriched[orgID] = &Profile{Summary: summary, Sector: sector}
	return nil
}

type fakeLedger struct {
	entries []string
}

func (f *fakeLedger) Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*ledgerdomain.FailedRecord, error) {
	f.entries = append(f.entries, externalID)
	return &ledgerdomain.FailedRecord{ExternalID: externalID}, nil
}

type fakeTracker struct {
	total     int
	processed int
	failed    int
}

func (f *fakeTracker) SetTotal(ctx context.Context, jobID string, total int) error {
	f.total = total
	return nil
}

func (f *fakeTracker) ReportProgress(ctx context.Context, jobID string, delta jobdomain.ProgressDelta) error {
	f.processed += delta.Processed
	f.failed += delta.Failed
	return nil
}

func (f *fakeTracker) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func TestRun_EnrichesUnprofiledOnly(t *testing.T) {
	store := &fakeOrgStore{list: []orgs.Organization{
		{OrgID: "org-1", Name: "Fresh"},
		{OrgID: "org-2", Name: "Done", EnrichedAt: sql.NullTime{Time: time.Now(), Valid: true}},
	}}
	source := &fakeSource{profiles: map[string]*Profile{
		"Fresh": {Summary: "A profile.", Sector: "SaaS"},
	}}
	tracker := &fakeTracker{}

	runner := NewRunner(source, store, &fakeLedger{}, tracker, slog.New(slog.DiscardHandler))

	result, err := runner.Run(context.Background(), "job-1", "startups", RunnerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enriched)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, 2, tracker.total)
	assert.Equal(t, "SaaS", store.enriched["org-1"].Sector)
}

func TestRun_ForceReEnriches(t *testing.T) {
	store := &fakeOrgStore{list: []orgs.Organization{
		{OrgID: "org-2", Name: "Done", EnrichedAt: sql.NullTime{Time: time.Now(), Valid: true}},
	}}
	source := &fakeSource{profiles: map[string]*Profile{
		"Done": {Summary: "Updated.", Sector: "Fintech"},
	}}

	runner := NewRunner(source, store, &fakeLedger{}, &fakeTracker{}, slog.New(slog.DiscardHandler))

	result, err := runner.Run(context.Background(), "job-1", "startups", RunnerOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enriched)
	assert.Zero(t, result.Skipped)
}

func TestRun_FailureGoesToLedger(t *testing.T) {
	store := &fakeOrgStore{list: []orgs.Organization{
		{OrgID: "org-1", Name: "Good"},
		{OrgID: "org-2", Name: "Bad"},
	}}
	source := &fakeSource{
		profiles: map[string]*Profile{"Good": {Summary: "Fine.", Sector: "SaaS"}},
		errs:     map[string]error{"Bad": faults.Validation(errors.New("garbled response"))},
	}
	ledger := &fakeLedger{}
	tracker := &fakeTracker{}

	runner := NewRunner(source, store, ledger, tracker, slog.New(slog.DiscardHandler))

	result, err := runner.Run(context.Background(), "job-1", "startups", RunnerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enriched)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"org-2"}, ledger.entries)
	assert.Equal(t, 1, tracker.failed)
}

func TestRetryRecord(t *testing.T) {
	store := &fakeOrgStore{list: []orgs.Organization{
		{OrgID: "org-1", Name: "Retry Me"},
	}}
	source := &fakeSource{profiles: map[string]*Profile{
		"Retry Me": {Summary: "Second try worked.", Sector: "SaaS"},
	}}

	runner := NewRunner(source, store, &fakeLedger{}, &fakeTracker{}, slog.New(slog.DiscardHandler))

	rec := &ledgerdomain.FailedRecord{
		RecordType: ledgerdomain.RecordTypeEnrichment,
		ExternalID: "org-1",
	}
	require.NoError(t, runner.RetryRecord(context.Background(), rec))
	assert.Equal(t, "Second try worked.", store.enriched["org-1"].Summary)
}
