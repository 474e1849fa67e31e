package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/venturelink/sync-be/internal/faults"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
)

// processJob drives one job through the state machine. A nil return means
// the outcome is recorded on the job row and the message can be acked; a
// non-nil return means nothing durable happened yet and the pool decides
// whether to requeue.
func (w *Worker) processJob(ctx context.Context, msg *JobMessage) error {
	job, err := w.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, jobdomain.ErrJobNotFound) {
			w.logger.Warn("Job message references unknown job",
				slog.String("job_id", msg.JobID),
			)
			return err
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.IsTerminal() {
		// Redelivered message for an already finished job
		w.logger.Warn("Job already terminal, skipping",
			slog.String("job_id", job.JobID),
			slog.String("status", job.Status),
		)
		return nil
	}

	if job.CancelRequested {
		// Canceled before the loop ever started
		_, err := w.jobs.Complete(ctx, job.JobID, jobdomain.JobStatusCanceled, nil, "")
		if err != nil {
			return fmt.Errorf("failed to finalize canceled job: %w", err)
		}
		w.logger.Info("Job canceled before start",
			slog.String("job_id", job.JobID),
		)
		return nil
	}

	executor, ok := w.executors[job.Kind]
	if !ok {
		_, cerr := w.jobs.Complete(ctx, job.JobID, jobdomain.JobStatusFailed, nil,
			fmt.Sprintf("no executor registered for kind %s", job.Kind))
		if cerr != nil {
			return cerr
		}
		return nil
	}

	if err := w.jobs.MarkRunning(ctx, job.JobID); err != nil {
		if errors.Is(err, jobdomain.ErrNotRunning) {
			// Another worker claimed it, or it went terminal underneath us
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", job.JobID),
			)
			return nil
		}
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(ctx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	result, execErr := executor.Execute(ctx, job)

	switch {
	case execErr == nil:
		if _, err := w.jobs.Complete(ctx, job.JobID, jobdomain.JobStatusCompleted, result, ""); err != nil {
			w.logger.Error("Failed to mark job completed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		return nil

	case errors.Is(execErr, jobdomain.ErrCancelled):
		// Cooperative cancellation; partial progress stays on the row
		if _, err := w.jobs.Complete(ctx, job.JobID, jobdomain.JobStatusCanceled, result, ""); err != nil {
			w.logger.Error("Failed to mark job canceled",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		return nil

	default:
		w.logger.Error("Job execution failed",
			slog.String("job_id", job.JobID),
			slog.String("kind", job.Kind),
			slog.String("error_code", faults.Classify(execErr)),
			slog.String("error", execErr.Error()),
		)
		if _, err := w.jobs.Complete(ctx, job.JobID, jobdomain.JobStatusFailed, result, execErr.Error()); err != nil {
			w.logger.Error("Failed to mark job failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
}

// sendJobHeartbeat periodically refreshes the job's heartbeat timestamp
// while the execution loop runs
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
