package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturelink/sync-be/internal/crm"
	"github.com/venturelink/sync-be/internal/faults"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
)

// fakeCRM serves records from memory, paginated two per page
type fakeCRM struct {
	records    []crm.Record
	getErr     map[string]error
	createErr  map[string]error
	updateErr  map[string]error
	created    []crm.Record
	updated    []crm.Record
	nextID     int
	listCalled int
}

func (f *fakeCRM) ListRecords(ctx context.Context, scope, pageToken string) (*crm.Page, error) {
	f.listCalled++

	const pageSize = 2
	start := 0
	if pageToken != "" {
		var err error
		start, err = parsePageToken(pageToken)
		if err != nil {
			return nil, err
		}
	}

	end := start + pageSize
	if end > len(f.records) {
		end = len(f.records)
	}

	page := &crm.Page{
		Records:    f.records[start:end],
		TotalCount: len(f.records),
	}
	if end < len(f.records) {
		page.NextPageToken = formatPageToken(end)
	}
	return page, nil
}

func (f *fakeCRM) GetRecord(ctx context.Context, scope, recordID string) (*crm.Record, error) {
	if err := f.getErr[recordID]; err != nil {
		return nil, err
	}
	for i := range f.records {
		if f.records[i].ID == recordID {
			return &f.records[i], nil
		}
	}
	return nil, faults.Validation(errors.New("record not found"))
}

func (f *fakeCRM) CreateRecord(ctx context.Context, scope string, rec *crm.Record) (*crm.Record, error) {
	if err := f.createErr[rec.Name]; err != nil {
		return nil, err
	}
	f.nextID++
	created := *rec
	created.ID = formatPageToken(f.nextID)
	f.created = append(f.created, created)
	return &created, nil
}

func (f *fakeCRM) UpdateRecord(ctx context.Context, scope string, rec *crm.Record) (*crm.Record, error) {
	if err := f.updateErr[rec.ID]; err != nil {
		return nil, err
	}
	f.updated = append(f.updated, *rec)
	return rec, nil
}

func parsePageToken(token string) (int, error) {
	n := 0
	for _, c := range token {
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func formatPageToken(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// fakeStore keys organizations by external ID
type fakeStore struct {
	byExternal map[string]*orgs.Organization
	byID       map[string]*orgs.Organization
	dirty      []orgs.Organization
	nextID     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byExternal: map[string]*orgs.Organization{},
		byID:       map[string]*orgs.Organization{},
	}
}

func (f *fakeStore) Get(ctx context.Context, orgID string) (*orgs.Organization, error) {
	org, ok := f.byID[orgID]
	if !ok {
		return nil, orgs.ErrOrgNotFound
	}
	return org, nil
}

func (f *fakeStore) GetByExternalID(ctx context.Context, scope, externalID string) (*orgs.Organization, error) {
	org, ok := f.byExternal[externalID]
	if !ok {
		return nil, orgs.ErrOrgNotFound
	}
	return org, nil
}

func (f *fakeStore) CreateFromExternal(ctx context.Context, org *orgs.Organization) error {
	f.nextID++
	org.OrgID = "org-" + formatPageToken(f.nextID)
	cp := *org
	f.byExternal[org.ExternalID] = &cp
	f.byID[org.OrgID] = &cp
	return nil
}

func (f *fakeStore) UpdateFromExternal(ctx context.Context, org *orgs.Organization) error {
	existing, ok := f.byExternal[org.ExternalID]
	if !ok {
		return orgs.ErrOrgNotFound
	}
	org.OrgID = existing.OrgID
	cp := *org
	f.byExternal[org.ExternalID] = &cp
	f.byID[cp.OrgID] = &cp
	return nil
}

func (f *fakeStore) ListDirty(ctx context.Context, scope string) ([]orgs.Organization, error) {
	return f.dirty, nil
}

func (f *fakeStore) MarkSynced(ctx context.Context, orgID, externalID string, modifiedAt *time.Time) error {
	if org, ok := f.byID[orgID]; ok {
		org.ExternalID = externalID
	}
	for i := range f.dirty {
		if f.dirty[i].OrgID == orgID {
			f.dirty[i].ExternalID = externalID
		}
	}
	return nil
}

// fakeLedger collects failures in memory
type fakeLedger struct {
	entries []string
}

func (f *fakeLedger) Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*ledgerdomain.FailedRecord, error) {
	f.entries = append(f.entries, externalID)
	return &ledgerdomain.FailedRecord{ExternalID: externalID}, nil
}

// fakeTracker tracks progress in memory and can trip cancellation after N checks
type fakeTracker struct {
	job          jobdomain.Job
	total        int
	processed    int
	succeeded    int
	failed       int
	cancelChecks int
	cancelAfter  int
}

func (f *fakeTracker) GetJob(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	return &f.job, nil
}

func (f *fakeTracker) SetTotal(ctx context.Context, jobID string, total int) error {
	f.total = total
	return nil
}

func (f *fakeTracker) ReportProgress(ctx context.Context, jobID string, delta jobdomain.ProgressDelta) error {
	f.processed += delta.Processed
	f.succeeded += delta.Succeeded
	f.failed += delta.Failed
	return nil
}

func (f *fakeTracker) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	f.cancelChecks++
	return f.cancelAfter > 0 && f.cancelChecks > f.cancelAfter, nil
}

func newTestEngine(client *fakeCRM, store *fakeStore, ledger *fakeLedger, tracker *fakeTracker) *Engine {
	return NewEngine(client, store, ledger, tracker,
		Options{RateLimitDelay: time.Millisecond, PageRetries: 2},
		slog.New(slog.DiscardHandler))
}

func record(id, name string) crm.Record {
	modified := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return crm.Record{ID: id, Kind: "startup", Name: name, ModifiedAt: &modified}
}

func TestRun_PullCreatesAndSkips(t *testing.T) {
	client := &fakeCRM{records: []crm.Record{
		record("r1", "One"), record("r2", "Two"), record("r3", "Three"),
		record("r4", "Four"), record("r5", "Five"),
	}}
	store := newFakeStore()
	ledger := &fakeLedger{}
	tracker := &fakeTracker{job: jobdomain.Job{Scope: "startups"}}

	engine := newTestEngine(client, store, ledger, tracker)

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 5, result.Created)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 5, tracker.total)
	assert.Equal(t, 5, tracker.processed)

	// A second run sees identical timestamps and changes nothing
	result2, err := engine.Run(context.Background(), "job-2", "startups")
	require.NoError(t, err)
	assert.Zero(t, result2.Created)
	assert.Equal(t, 5, result2.Skipped)
}

func TestRun_NewerExternalWins(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	rec := record("r1", "One v2")
	rec.ModifiedAt = &newer
	client := &fakeCRM{records: []crm.Record{rec}}

	store := newFakeStore()
	seeded := record("r1", "One v1")
	seeded.ModifiedAt = &older
	mapped, err := crm.ToOrganization("startups", &seeded)
	require.NoError(t, err)
	require.NoError(t, store.CreateFromExternal(context.Background(), mapped))

	tracker := &fakeTracker{}
	engine := newTestEngine(client, store, &fakeLedger{}, tracker)

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, "One v2", store.byExternal["r1"].Name)
}

func TestRun_RecordFailureIsIsolated(t *testing.T) {
	records := []crm.Record{
		record("r1", "One"),
		{ID: "r2", Kind: "charity", Name: "Bad"}, // rejected by the mapper
		record("r3", "Three"),
	}
	client := &fakeCRM{records: records}
	store := newFakeStore()
	ledger := &fakeLedger{}
	tracker := &fakeTracker{}

	engine := newTestEngine(client, store, ledger, tracker)

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"r2"}, ledger.entries)
	assert.Equal(t, 3, tracker.processed)
	assert.Equal(t, 1, tracker.failed)
}

func TestRun_CancellationStopsBetweenPages(t *testing.T) {
	client := &fakeCRM{records: []crm.Record{
		record("r1", "One"), record("r2", "Two"),
		record("r3", "Three"), record("r4", "Four"),
	}}
	store := newFakeStore()
	tracker := &fakeTracker{cancelAfter: 1}

	engine := newTestEngine(client, store, &fakeLedger{}, tracker)

	result, err := engine.Run(context.Background(), "job-1", "startups")
	assert.ErrorIs(t, err, jobdomain.ErrCancelled)
	// Partial work from the first page is kept
	assert.Equal(t, 2, result.Created)
	assert.Len(t, store.byExternal, 2)
}

func TestRun_PushCreatesNewAndUpdatesExisting(t *testing.T) {
	client := &fakeCRM{}
	store := newFakeStore()
	store.dirty = []orgs.Organization{
		{OrgID: "org-1", Kind: orgs.KindStartup, Name: "Fresh"},
		{OrgID: "org-2", ExternalID: "r9", Kind: orgs.KindStartup, Name: "Known"},
	}
	store.byID["org-1"] = &store.dirty[0]
	store.byID["org-2"] = &store.dirty[1]

	tracker := &fakeTracker{}
	engine := newTestEngine(client, store, &fakeLedger{}, tracker)

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	require.Len(t, client.created, 1)
	assert.Equal(t, "Fresh", client.created[0].Name)
	require.Len(t, client.updated, 1)
	assert.Equal(t, "r9", client.updated[0].ID)
	// The CRM-assigned ID lands back on the local row
	assert.NotEmpty(t, store.byID["org-1"].ExternalID)
}

func TestRun_PushConflictCountsAsSkipped(t *testing.T) {
	client := &fakeCRM{
		updateErr: map[string]error{"r9": faults.Conflict(errors.New("duplicate"))},
	}
	store := newFakeStore()
	store.dirty = []orgs.Organization{
		{OrgID: "org-2", ExternalID: "r9", Kind: orgs.KindStartup, Name: "Known"},
	}

	ledger := &fakeLedger{}
	engine := newTestEngine(client, store, ledger, &fakeTracker{})

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Empty(t, ledger.entries)
}

func TestRun_RateLimitRetriesThenFails(t *testing.T) {
	client := &fakeCRM{
		updateErr: map[string]error{"r9": faults.RateLimit(errors.New("slow down"))},
	}
	store := newFakeStore()
	store.dirty = []orgs.Organization{
		{OrgID: "org-2", ExternalID: "r9", Kind: orgs.KindStartup, Name: "Known"},
	}

	ledger := &fakeLedger{}
	engine := newTestEngine(client, store, ledger, &fakeTracker{})

	result, err := engine.Run(context.Background(), "job-1", "startups")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"org-2"}, ledger.entries)
}

func TestRetryRecord_PulledRecordRefetchesLive(t *testing.T) {
	client := &fakeCRM{records: []crm.Record{record("r1", "Live Copy")}}
	store := newFakeStore()
	tracker := &fakeTracker{job: jobdomain.Job{Scope: "startups"}}

	engine := newTestEngine(client, store, &fakeLedger{}, tracker)

	rec := &ledgerdomain.FailedRecord{
		JobID:      "job-1",
		RecordType: ledgerdomain.RecordTypeCRMRecord,
		ExternalID: "r1",
		Payload:    []byte(`{"id":"r1","kind":"startup","name":"Stale Copy"}`),
	}

	require.NoError(t, engine.RetryRecord(context.Background(), rec))
	assert.Equal(t, "Live Copy", store.byExternal["r1"].Name)
}

func TestRetryRecord_PushedOrganization(t *testing.T) {
	client := &fakeCRM{}
	store := newFakeStore()
	store.byID["org-7"] = &orgs.Organization{
		OrgID: "org-7", Kind: orgs.KindStartup, Name: "Retry Me",
	}
	tracker := &fakeTracker{job: jobdomain.Job{Scope: "startups"}}

	engine := newTestEngine(client, store, &fakeLedger{}, tracker)

	rec := &ledgerdomain.FailedRecord{
		JobID:      "job-1",
		RecordType: ledgerdomain.RecordTypeOrganization,
		ExternalID: "org-7",
	}

	require.NoError(t, engine.RetryRecord(context.Background(), rec))
	require.Len(t, client.created, 1)
	assert.Equal(t, "Retry Me", client.created[0].Name)
}

func TestRetryRecord_UnknownType(t *testing.T) {
	engine := newTestEngine(&fakeCRM{}, newFakeStore(), &fakeLedger{}, &fakeTracker{})

	err := engine.RetryRecord(context.Background(), &ledgerdomain.FailedRecord{
		RecordType: "mystery",
	})
	assert.True(t, faults.Is(err, faults.CodeUnrecoverable))
}
