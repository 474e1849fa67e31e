// Package worker consumes job messages from RabbitMQ and drives the batch
// execution loops. The job row in the database stays the single source of
// truth; the queue only carries the job ID.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venturelink/sync-be/internal/jobs"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	"github.com/venturelink/sync-be/shared/rabbitmq"
)

// Executor runs one job kind end to end and returns the result payload.
// A partial result may accompany jobdomain.ErrCancelled.
type Executor interface {
	Execute(ctx context.Context, job *jobdomain.Job) ([]byte, error)
}

// JobMessage is one dispatched queue message
type JobMessage struct {
	JobID       string
	DeliveryTag uint64
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	RabbitClient      *rabbitmq.Client
	Jobs              *jobs.Manager
	Executors         map[string]Executor
	Concurrency       int
	PrefetchCount     int
	HeartbeatInterval time.Duration
}

// Worker represents the background job worker
type Worker struct {
	workerID          string
	logger            *slog.Logger
	rabbitClient      *rabbitmq.Client
	jobs              *jobs.Manager
	executors         map[string]Executor
	concurrency       int
	prefetchCount     int
	heartbeatInterval time.Duration
	jobsChan          chan *JobMessage
	stopChan          chan struct{}
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		workerID:          "worker-" + uuid.New().String()[:8],
		logger:            cfg.Logger,
		rabbitClient:      cfg.RabbitClient,
		jobs:              cfg.Jobs,
		executors:         cfg.Executors,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobsChan:          make(chan *JobMessage),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. Blocks until the context is
// canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}
