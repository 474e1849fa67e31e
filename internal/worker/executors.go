package worker

import (
	"context"
	"encoding/json"

	"github.com/venturelink/sync-be/internal/enrich"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	"github.com/venturelink/sync-be/internal/reconcile"
	"github.com/venturelink/sync-be/internal/urlhealth"
)

// SyncExecutor adapts the reconcile engine to the worker's Executor interface
type SyncExecutor struct {
	Engine *reconcile.Engine
}

// Execute runs a crm-sync job
func (e *SyncExecutor) Execute(ctx context.Context, job *jobdomain.Job) ([]byte, error) {
	result, err := e.Engine.Run(ctx, job.JobID, job.Scope)
	return marshalResult(result), err
}

// URLHealthExecutor adapts the url-health runner
type URLHealthExecutor struct {
	Runner *urlhealth.Runner
}

// urlHealthOptions is the options payload written by the API at start time
type urlHealthOptions struct {
	AutoFix             *bool   `json:"auto_fix,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// Execute runs a url-health job
func (e *URLHealthExecutor) Execute(ctx context.Context, job *jobdomain.Job) ([]byte, error) {
	opts := urlhealth.RunnerOptions{AutoFix: true}

	if len(job.Options) > 0 {
		var parsed urlHealthOptions
		if err := json.Unmarshal(job.Options, &parsed); err == nil {
			if parsed.AutoFix != nil {
				opts.AutoFix = *parsed.AutoFix
			}
			opts.ConfidenceThreshold = parsed.ConfidenceThreshold
		}
	}

	result, err := e.Runner.Run(ctx, job.JobID, job.Scope, opts)
	return marshalResult(result), err
}

// EnrichmentExecutor adapts the enrichment runner
type EnrichmentExecutor struct {
	Runner *enrich.Runner
}

type enrichmentOptions struct {
	Force bool `json:"force,omitempty"`
}

// Execute runs an enrichment job
func (e *EnrichmentExecutor) Execute(ctx context.Context, job *jobdomain.Job) ([]byte, error) {
	var opts enrichmentOptions
	if len(job.Options) > 0 {
		_ = json.Unmarshal(job.Options, &opts)
	}

	result, err := e.Runner.Run(ctx, job.JobID, job.Scope, enrich.RunnerOptions{Force: opts.Force})
	return marshalResult(result), err
}

func marshalResult(v interface{}) []byte {
	if v == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
