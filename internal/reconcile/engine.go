// Package reconcile runs the bidirectional CRM sync: pull the CRM pages into
// the local store, then push locally modified organizations back out.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/venturelink/sync-be/internal/crm"
	"github.com/venturelink/sync-be/internal/faults"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
)

// CRMClient is the slice of the CRM API the engine needs
type CRMClient interface {
	ListRecords(ctx context.Context, scope, pageToken string) (*crm.Page, error)
	GetRecord(ctx context.Context, scope, recordID string) (*crm.Record, error)
	CreateRecord(ctx context.Context, scope string, rec *crm.Record) (*crm.Record, error)
	UpdateRecord(ctx context.Context, scope string, rec *crm.Record) (*crm.Record, error)
}

// OrgStore is the slice of the organization store the engine needs
type OrgStore interface {
	Get(ctx context.Context, orgID string) (*orgs.Organization, error)
	GetByExternalID(ctx context.Context, scope, externalID string) (*orgs.Organization, error)
	CreateFromExternal(ctx context.Context, org *orgs.Organization) error
	UpdateFromExternal(ctx context.Context, org *orgs.Organization) error
	ListDirty(ctx context.Context, scope string) ([]orgs.Organization, error)
	MarkSynced(ctx context.Context, orgID, externalID string, modifiedAt *time.Time) error
}

// LedgerSink captures per-record failures
type LedgerSink interface {
	Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*ledgerdomain.FailedRecord, error)
}

// JobTracker is the slice of the job manager the execution loop needs
type JobTracker interface {
	GetJob(ctx context.Context, jobID string) (*jobdomain.Job, error)
	SetTotal(ctx context.Context, jobID string, total int) error
	ReportProgress(ctx context.Context, jobID string, delta jobdomain.ProgressDelta) error
	CancellationRequested(ctx context.Context, jobID string) (bool, error)
}

// SyncResult is the outcome payload stored on a completed crm-sync job
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Pushed  int `json:"pushed"`
}

// Options tunes the engine's retry behavior on throttling responses
type Options struct {
	RateLimitDelay time.Duration
	PageRetries    int
}

// Engine runs one crm-sync job end to end. Failures on individual records go
// to the ledger and never abort the batch; only a scope-level error does.
type Engine struct {
	client CRMClient
	store  OrgStore
	ledger LedgerSink
	jobs   JobTracker
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a sync engine
func NewEngine(client CRMClient, store OrgStore, ledger LedgerSink, jobs JobTracker, opts Options, logger *slog.Logger) *Engine {
	if opts.RateLimitDelay <= 0 {
		opts.RateLimitDelay = 2 * time.Second
	}
	if opts.PageRetries <= 0 {
		opts.PageRetries = 3
	}

	return &Engine{
		client: client,
		store:  store,
		ledger: ledger,
		jobs:   jobs,
		opts:   opts,
		logger: logger,
	}
}

// Run executes the pull phase then the push phase for a scope. Returns
// jobdomain.ErrCancelled if a cancellation checkpoint fired; partial work is
// kept.
func (e *Engine) Run(ctx context.Context, jobID, scope string) (*SyncResult, error) {
	result := &SyncResult{}

	if err := e.pull(ctx, jobID, scope, result); err != nil {
		return result, err
	}

	if err := e.push(ctx, jobID, scope, result); err != nil {
		return result, err
	}

	return result, nil
}

// pull walks the CRM pages in order, applying newer-wins per record
func (e *Engine) pull(ctx context.Context, jobID, scope string, result *SyncResult) error {
	pageToken := ""
	firstPage := true

	for {
		if cancelled, err := e.jobs.CancellationRequested(ctx, jobID); err != nil {
			return err
		} else if cancelled {
			return jobdomain.ErrCancelled
		}

		page, err := e.listWithRetry(ctx, scope, pageToken)
		if err != nil {
			if firstPage {
				// Nothing was processed yet; the whole scope is unreachable
				return faults.Unrecoverable(fmt.Errorf("failed to fetch first page: %w", err))
			}
			return fmt.Errorf("failed to fetch page: %w", err)
		}

		if firstPage && page.TotalCount > 0 {
			if err := e.jobs.SetTotal(ctx, jobID, page.TotalCount); err != nil {
				return err
			}
		}
		firstPage = false

		for i := range page.Records {
			rec := &page.Records[i]
			delta := jobdomain.ProgressDelta{Processed: 1}

			if err := e.applyPulled(ctx, scope, rec, result); err != nil {
				delta.Failed = 1
				result.Failed++
				e.recordFailure(ctx, jobID, ledgerdomain.RecordTypeCRMRecord, rec.ID, rec, err)
			} else {
				delta.Succeeded = 1
			}

			if err := e.jobs.ReportProgress(ctx, jobID, delta); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// applyPulled upserts one CRM record into the local store
func (e *Engine) applyPulled(ctx context.Context, scope string, rec *crm.Record, result *SyncResult) error {
	mapped, err := crm.ToOrganization(scope, rec)
	if err != nil {
		return err
	}

	existing, err := e.store.GetByExternalID(ctx, scope, rec.ID)
	if err != nil {
		if errors.Is(err, orgs.ErrOrgNotFound) {
			if err := e.store.CreateFromExternal(ctx, mapped); err != nil {
				return err
			}
			result.Created++
			return nil
		}
		return err
	}

	if !crm.ExternalNewer(rec, existing) {
		result.Skipped++
		return nil
	}

	if err := e.store.UpdateFromExternal(ctx, mapped); err != nil {
		return err
	}
	result.Updated++
	return nil
}

// push sends locally modified organizations back to the CRM
func (e *Engine) push(ctx context.Context, jobID, scope string, result *SyncResult) error {
	dirty, err := e.store.ListDirty(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to list dirty organizations: %w", err)
	}

	for i := range dirty {
		org := &dirty[i]

		if cancelled, err := e.jobs.CancellationRequested(ctx, jobID); err != nil {
			return err
		} else if cancelled {
			return jobdomain.ErrCancelled
		}

		delta := jobdomain.ProgressDelta{Processed: 1}

		if err := e.pushOne(ctx, scope, org); err != nil {
			if faults.Is(err, faults.CodeConflict) {
				// The record already exists upstream in the desired state
				result.Skipped++
				delta.Succeeded = 1
			} else {
				delta.Failed = 1
				result.Failed++
				e.recordFailure(ctx, jobID, ledgerdomain.RecordTypeOrganization, org.OrgID, org, err)
			}
		} else {
			result.Pushed++
			delta.Succeeded = 1
		}

		if err := e.jobs.ReportProgress(ctx, jobID, delta); err != nil {
			return err
		}
	}

	return nil
}

// pushOne creates or updates a single organization upstream and marks it
// synced on success. Throttling responses back off and retry before counting
// as a failure.
func (e *Engine) pushOne(ctx context.Context, scope string, org *orgs.Organization) error {
	rec := crm.FromOrganization(org)

	var pushed *crm.Record
	err := e.withRateLimitRetry(ctx, func() error {
		var callErr error
		if org.ExternalID == "" {
			pushed, callErr = e.client.CreateRecord(ctx, scope, rec)
		} else {
			pushed, callErr = e.client.UpdateRecord(ctx, scope, rec)
		}
		return callErr
	})
	if err != nil {
		return err
	}

	return e.store.MarkSynced(ctx, org.OrgID, pushed.ID, pushed.ModifiedAt)
}

// RetryRecord re-runs the single-record path for a failed record, keyed by
// its record type. Implements the ledger's Retrier.
func (e *Engine) RetryRecord(ctx context.Context, rec *ledgerdomain.FailedRecord) error {
	switch rec.RecordType {
	case ledgerdomain.RecordTypeCRMRecord:
		return e.retryPulled(ctx, rec)
	case ledgerdomain.RecordTypeOrganization:
		return e.retryPushed(ctx, rec)
	default:
		return faults.Unrecoverable(fmt.Errorf("unknown record type: %s", rec.RecordType))
	}
}

// retryPulled refetches the record from the CRM and applies it. The live copy
// is authoritative; the stored payload is only a fallback when the record has
// vanished upstream.
func (e *Engine) retryPulled(ctx context.Context, rec *ledgerdomain.FailedRecord) error {
	var snapshot crm.Record
	if err := json.Unmarshal(rec.Payload, &snapshot); err != nil {
		return faults.Validation(fmt.Errorf("failed to decode stored record payload: %w", err))
	}

	scope, err := e.scopeForJob(ctx, rec.JobID)
	if err != nil {
		return err
	}

	live, err := e.client.GetRecord(ctx, scope, rec.ExternalID)
	if err != nil {
		if !faults.Is(err, faults.CodeValidation) {
			return err
		}
		live = &snapshot
	}

	discard := SyncResult{}
	return e.applyPulled(ctx, scope, live, &discard)
}

func (e *Engine) retryPushed(ctx context.Context, rec *ledgerdomain.FailedRecord) error {
	org, err := e.store.Get(ctx, rec.ExternalID)
	if err != nil {
		return err
	}

	scope, err := e.scopeForJob(ctx, rec.JobID)
	if err != nil {
		return err
	}

	err = e.pushOne(ctx, scope, org)
	if faults.Is(err, faults.CodeConflict) {
		return nil
	}
	return err
}

// scopeForJob recovers the scope a failed record belongs to from its job row
func (e *Engine) scopeForJob(ctx context.Context, jobID string) (string, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Scope, nil
}

func (e *Engine) listWithRetry(ctx context.Context, scope, pageToken string) (*crm.Page, error) {
	var page *crm.Page
	err := e.withRateLimitRetry(ctx, func() error {
		var callErr error
		page, callErr = e.client.ListRecords(ctx, scope, pageToken)
		return callErr
	})
	return page, err
}

// withRateLimitRetry retries a call on throttling responses with a growing
// delay. Other errors pass through untouched.
func (e *Engine) withRateLimitRetry(ctx context.Context, call func() error) error {
	delay := e.opts.RateLimitDelay

	var err error
	for attempt := 0; attempt <= e.opts.PageRetries; attempt++ {
		err = call()
		if err == nil || !faults.Is(err, faults.CodeRateLimit) {
			return err
		}

		e.logger.Warn("CRM rate limited, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return faults.Network(fmt.Errorf("rate limit retries exhausted: %w", err))
}

func (e *Engine) recordFailure(ctx context.Context, jobID, recordType, externalID string, payload interface{}, failure error) {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		snapshot = nil
	}

	if _, err := e.ledger.Record(ctx, jobID, recordType, externalID, snapshot, failure); err != nil {
		e.logger.Error("Failed to write ledger entry",
			slog.String("job_id", jobID),
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
	}
}
