package urlhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
)

// TargetStore is the slice of the organization store the scan needs
type TargetStore interface {
	ListURLTargets(ctx context.Context, scope string) ([]orgs.URLTarget, error)
	ApplyRepairedURL(ctx context.Context, orgID, field, repairedURL string) error
}

// LedgerSink captures URLs that stay broken after repair
type LedgerSink interface {
	Record(ctx context.Context, jobID, recordType, externalID string, payload []byte, failure error) (*ledgerdomain.FailedRecord, error)
}

// JobTracker is the slice of the job manager the scan needs
type JobTracker interface {
	GetJob(ctx context.Context, jobID string) (*jobdomain.Job, error)
	SetTotal(ctx context.Context, jobID string, total int) error
	ReportProgress(ctx context.Context, jobID string, delta jobdomain.ProgressDelta) error
	CancellationRequested(ctx context.Context, jobID string) (bool, error)
}

// CheckStore persists probe outcomes
type CheckStore interface {
	InsertCheck(ctx context.Context, rec *CheckRecord) error
}

// ScanResult is the outcome payload stored on a completed url-health job
type ScanResult struct {
	Checked       int `json:"checked"`
	Valid         int `json:"valid"`
	Redirected    int `json:"redirected"`
	Broken        int `json:"broken"`
	Repaired      int `json:"repaired"`
	PendingReview int `json:"pending_review"`
}

// RunnerOptions tunes one scan
type RunnerOptions struct {
	AutoFix bool
	// ConfidenceThreshold overrides the repairer's configured threshold for
	// this run when positive
	ConfidenceThreshold float64
}

// Runner executes one url-health job over every URL field in a scope
type Runner struct {
	store     TargetStore
	checks    CheckStore
	ledger    LedgerSink
	jobs      JobTracker
	validator *Validator
	repairer  *Repairer
	logger    *slog.Logger
}

// NewRunner creates a url-health runner
func NewRunner(store TargetStore, checks CheckStore, ledger LedgerSink, jobs JobTracker, validator *Validator, repairer *Repairer, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		checks:    checks,
		ledger:    ledger,
		jobs:      jobs,
		validator: validator,
		repairer:  repairer,
		logger:    logger,
	}
}

// Run probes every URL in the scope. Healthy and auto-repaired URLs count as
// successes; URLs that stay broken go to the ledger for review. Returns
// jobdomain.ErrCancelled if a cancellation checkpoint fired.
func (r *Runner) Run(ctx context.Context, jobID, scope string, opts RunnerOptions) (*ScanResult, error) {
	targets, err := r.store.ListURLTargets(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list url targets: %w", err)
	}

	if err := r.jobs.SetTotal(ctx, jobID, len(targets)); err != nil {
		return nil, err
	}

	result := &ScanResult{}

	for _, target := range targets {
		if cancelled, err := r.jobs.CancellationRequested(ctx, jobID); err != nil {
			return result, err
		} else if cancelled {
			return result, jobdomain.ErrCancelled
		}

		delta := jobdomain.ProgressDelta{Processed: 1}
		result.Checked++

		check := r.validator.Check(ctx, target.URL)
		record := &CheckRecord{
			JobID:      jobID,
			OrgID:      target.OrgID,
			Field:      target.Field,
			URL:        target.URL,
			Status:     check.Status,
			HTTPStatus: check.HTTPStatus,
			FinalURL:   check.FinalURL,
		}

		switch check.Status {
		case StatusValid:
			result.Valid++
			delta.Succeeded = 1
		case StatusRedirected:
			result.Redirected++
			delta.Succeeded = 1
		case StatusBroken:
			result.Broken++
			repaired := r.handleBroken(ctx, jobID, target, check, record, opts, result)
			if repaired {
				delta.Succeeded = 1
			} else {
				delta.Failed = 1
			}
		}

		if err := r.checks.InsertCheck(ctx, record); err != nil {
			r.logger.Error("Failed to persist url check",
				slog.String("org_id", target.OrgID),
				slog.String("error", err.Error()),
			)
		}

		if err := r.jobs.ReportProgress(ctx, jobID, delta); err != nil {
			return result, err
		}
	}

	return result, nil
}

// handleBroken tries to repair a broken URL and reports whether the repair
// was applied
func (r *Runner) handleBroken(ctx context.Context, jobID string, target orgs.URLTarget, check Result, record *CheckRecord, opts RunnerOptions, result *ScanResult) bool {
	repair, err := r.repairer.Suggest(ctx, target.URL)
	if err != nil {
		r.logger.Warn("URL repair suggestion failed",
			slog.String("url", target.URL),
			slog.String("error", err.Error()),
		)
	}

	if repair != nil {
		if opts.ConfidenceThreshold > 0 {
			repair.Applied = repair.Confidence >= opts.ConfidenceThreshold
		}
		if !opts.AutoFix {
			repair.Applied = false
		}
		if payload, err := json.Marshal(repair); err == nil {
			record.Repair = payload
		}
	}

	if repair != nil && repair.Applied {
		if err := r.store.ApplyRepairedURL(ctx, target.OrgID, target.Field, repair.Suggested); err != nil {
			r.logger.Error("Failed to apply repaired url",
				slog.String("org_id", target.OrgID),
				slog.String("error", err.Error()),
			)
		} else {
			result.Repaired++
			r.logger.Info("URL auto-repaired",
				slog.String("org_id", target.OrgID),
				slog.String("from", repair.Original),
				slog.String("to", repair.Suggested),
				slog.Float64("confidence", repair.Confidence),
			)
			return true
		}
	}

	result.PendingReview++

	failure := check.Err
	if failure == nil {
		failure = fmt.Errorf("url returned status %d", check.HTTPStatus)
	}

	payload, _ := json.Marshal(target)
	if _, err := r.ledger.Record(ctx, jobID, ledgerdomain.RecordTypeURLHealth, target.OrgID, payload, failure); err != nil {
		r.logger.Error("Failed to write ledger entry",
			slog.String("org_id", target.OrgID),
			slog.String("error", err.Error()),
		)
	}

	return false
}

// RetryRecord re-probes a broken URL from the ledger. Implements the ledger's
// Retrier: success resolves the record. Repairs are gated by the same
// auto-fix and threshold options the originating scan ran with.
func (r *Runner) RetryRecord(ctx context.Context, rec *ledgerdomain.FailedRecord) error {
	var target orgs.URLTarget
	if err := json.Unmarshal(rec.Payload, &target); err != nil {
		return fmt.Errorf("failed to decode stored url target: %w", err)
	}

	check := r.validator.Check(ctx, target.URL)
	if check.Healthy() {
		return nil
	}

	repair, err := r.repairer.Suggest(ctx, target.URL)
	if err != nil {
		return err
	}

	opts := r.optionsForJob(ctx, rec.JobID)
	if repair != nil {
		if opts.ConfidenceThreshold > 0 {
			repair.Applied = repair.Confidence >= opts.ConfidenceThreshold
		}
		if !opts.AutoFix {
			repair.Applied = false
		}
	}

	if repair != nil && repair.Applied {
		return r.store.ApplyRepairedURL(ctx, target.OrgID, target.Field, repair.Suggested)
	}

	if check.Err != nil {
		return check.Err
	}
	return fmt.Errorf("url returned status %d", check.HTTPStatus)
}

// optionsForJob reconstructs the scan options recorded on the originating
// job row. Falls back to the defaults if the job or its options are gone.
func (r *Runner) optionsForJob(ctx context.Context, jobID string) RunnerOptions {
	opts := RunnerOptions{AutoFix: true}

	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil || len(job.Options) == 0 {
		return opts
	}

	var parsed struct {
		AutoFix             *bool   `json:"auto_fix"`
		ConfidenceThreshold float64 `json:"confidence_threshold"`
	}
	if err := json.Unmarshal(job.Options, &parsed); err != nil {
		return opts
	}

	if parsed.AutoFix != nil {
		opts.AutoFix = *parsed.AutoFix
	}
	opts.ConfidenceThreshold = parsed.ConfidenceThreshold

	return opts
}
