package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
)

// ProfileSource generates profiles; satisfied by Enricher and by test fakes
type ProfileSource interface {
	Enrich(ctx context.Context, org *orgs.Organization) (*Profile, error)
}

// OrgStore is the slice of the organization store the runner needs
type OrgStore interface {
	Get(ctx context.Context, orgID string) (*orgs.Organization, error)
	ListByScope(ctx context.Context, scope string) ([]orgs.Organization, error)
	ApplyEnrichment(ctx context.Context, orgID, summary, sector string) error
}

// LedgerSink captures organizations whose enrichment failed
type LedgerSink interface {
	Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*ledgerdomain.FailedRecord, error)
}

// JobTracker is the slice of the job manager the runner needs
type JobTracker interface {
	SetTotal(ctx context.Context, jobID string, total int) error
	ReportProgress(ctx context.Context, jobID string, delta jobdomain.ProgressDelta) error
	CancellationRequested(ctx context.Context, jobID string) (bool, error)
}

// EnrichResult is the outcome payload stored on a completed enrichment job
type EnrichResult struct {
	Enriched int `json:"enriched"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RunnerOptions tunes one enrichment run
type RunnerOptions struct {
	// Force re-enriches organizations that already carry a profile
	Force bool
}

// Runner executes one enrichment job over every organization in a scope
type Runner struct {
	source ProfileSource
	store  OrgStore
	ledger LedgerSink
	jobs   JobTracker
	logger *slog.Logger
}

// NewRunner creates an enrichment runner
func NewRunner(source ProfileSource, store OrgStore, ledger LedgerSink, jobs JobTracker, logger *slog.Logger) *Runner {
	return &Runner{
		source: source,
		store:  store,
		ledger: ledger,
		jobs:   jobs,
		logger: logger,
	}
}

// Run enriches every organization in the scope that has no profile yet.
// Failures go to the ledger and never abort the batch. Returns
// jobdomain.ErrCancelled if a cancellation checkpoint fired.
func (r *Runner) Run(ctx context.Context, jobID, scope string, opts RunnerOptions) (*EnrichResult, error) {
	list, err := r.store.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	if err := r.jobs.SetTotal(ctx, jobID, len(list)); err != nil {
		return nil, err
	}

	result := &EnrichResult{}

	for i := range list {
		org := &list[i]

		if cancelled, err := r.jobs.CancellationRequested(ctx, jobID); err != nil {
			return result, err
		} else if cancelled {
			return result, jobdomain.ErrCancelled
		}

		delta := jobdomain.ProgressDelta{Processed: 1}

		if org.EnrichedAt.Valid && !opts.Force {
			result.Skipped++
			delta.Succeeded = 1
			if err := r.jobs.ReportProgress(ctx, jobID, delta); err != nil {
				return result, err
			}
			continue
		}

		if err := r.enrichOne(ctx, org); err != nil {
			result.Failed++
			delta.Failed = 1

			payload, _ := json.Marshal(org)
			if _, lerr := r.ledger.Record(ctx, jobID, ledgerdomain.RecordTypeEnrichment, org.OrgID, payload, err); lerr != nil {
				r.logger.Error("Failed to write ledger entry",
					slog.String("org_id", org.OrgID),
					slog.String("error", lerr.Error()),
				)
			}
		} else {
			result.Enriched++
			delta.Succeeded = 1
		}

		if err := r.jobs.ReportProgress(ctx, jobID, delta); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (r *Runner) enrichOne(ctx context.Context, org *orgs.Organization) error {
	profile, err := r.source.Enrich(ctx, org)
	if err != nil {
		return err
	}

	return r.store.ApplyEnrichment(ctx, org.OrgID, profile.Summary, profile.Sector)
}

// RetryRecord re-enriches a single organization from the ledger. Implements
// the ledger's Retrier.
func (r *Runner) RetryRecord(ctx context.Context, rec *ledgerdomain.FailedRecord) error {
	org, err := r.store.Get(ctx, rec.ExternalID)
	if err != nil {
		return err
	}

	return r.enrichOne(ctx, org)
}
