package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/venturelink/sync-be/internal/config"
	"github.com/venturelink/sync-be/internal/crm"
	"github.com/venturelink/sync-be/internal/enrich"
	"github.com/venturelink/sync-be/internal/jobs"
	jobdomain "github.com/venturelink/sync-be/internal/jobs/domain"
	"github.com/venturelink/sync-be/internal/ledger"
	"github.com/venturelink/sync-be/internal/orgs"
	"github.com/venturelink/sync-be/internal/reconcile"
	"github.com/venturelink/sync-be/internal/urlhealth"
	"github.com/venturelink/sync-be/internal/worker"
	"github.com/venturelink/sync-be/shared/logger"
	"github.com/venturelink/sync-be/shared/postgresql"
	"github.com/venturelink/sync-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	jobManager := jobs.NewManager(dbClient.GetDB(), appLogger.Logger)

	executors := buildExecutors(cfg, appLogger.Logger, dbClient, jobManager)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		RabbitClient:      rabbitClient,
		Jobs:              jobManager,
		Executors:         executors,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic crm-sync trigger, if enabled
	var scheduler *cron.Cron
	if cfg.Scheduler.Enabled {
		scheduler, err = startScheduler(ctx, cfg, appLogger.Logger, jobManager, rabbitClient)
		if err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// buildExecutors wires one executor per job kind. Enrichment is optional:
// without an API key its executor is simply not registered and enrichment
// jobs fail individually instead of blocking the other kinds.
func buildExecutors(cfg *config.Config, log *slog.Logger, dbClient *postgresql.Client, jobManager *jobs.Manager) map[string]worker.Executor {
	db := dbClient.GetDB()

	failedLedger := ledger.NewLedger(db, log)
	orgStore := orgs.NewStorage(db, log)

	crmClient := crm.NewClient(cfg.CRM.APIKey,
		crm.WithBaseURL(cfg.CRM.BaseURL),
		crm.WithRateLimit(cfg.CRM.RequestsPerSec),
		crm.WithTimeout(cfg.CRM.RequestTimeout),
	)

	engine := reconcile.NewEngine(crmClient, orgStore, failedLedger, jobManager,
		reconcile.Options{
			RateLimitDelay: cfg.CRM.RateLimitDelay,
			PageRetries:    cfg.CRM.PageRetries,
		}, log)

	validator := urlhealth.NewValidator(cfg.URLHealth.RequestTimeout, cfg.URLHealth.MaxRedirects)
	repairer := urlhealth.NewRepairer(validator.Check, cfg.URLHealth.ConfidenceThreshold)
	urlRunner := urlhealth.NewRunner(orgStore, urlhealth.NewStorage(db),
		failedLedger, jobManager, validator, repairer, log)

	executors := map[string]worker.Executor{
		jobdomain.JobKindCRMSync:   &worker.SyncExecutor{Engine: engine},
		jobdomain.JobKindURLHealth: &worker.URLHealthExecutor{Runner: urlRunner},
	}

	if enricher, err := enrich.NewEnricher(cfg.Enrichment.APIKey, cfg.Enrichment.Model, cfg.Enrichment.RequestTimeout); err == nil {
		enrichRunner := enrich.NewRunner(enricher, orgStore, failedLedger, jobManager, log)
		executors[jobdomain.JobKindEnrichment] = &worker.EnrichmentExecutor{Runner: enrichRunner}
	} else {
		log.Warn("Enrichment jobs disabled",
			slog.String("reason", err.Error()),
		)
	}

	return executors
}

// startScheduler kicks off a crm-sync on the configured cron schedule. A
// still-active previous run just means the tick is skipped.
func startScheduler(ctx context.Context, cfg *config.Config, log *slog.Logger, jobManager *jobs.Manager, rabbitClient *rabbitmq.Client) (*cron.Cron, error) {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.Scheduler.SyncSchedule, func() {
		job, err := jobManager.StartJob(ctx, jobdomain.JobKindCRMSync, cfg.Scheduler.SyncScope, 0, nil)
		if err != nil {
			if errors.Is(err, jobdomain.ErrAlreadyRunning) {
				log.Info("Scheduled sync skipped, previous run still active",
					slog.String("scope", cfg.Scheduler.SyncScope),
				)
				return
			}
			log.Error("Scheduled sync failed to start",
				slog.String("error", err.Error()),
			)
			return
		}

		message, _ := json.Marshal(map[string]string{"job_id": job.JobID})
		if err := rabbitClient.PublishWithRetry(ctx, message, "application/json"); err != nil {
			log.Error("Failed to publish scheduled sync message",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			if _, cerr := jobManager.Complete(ctx, job.JobID, jobdomain.JobStatusFailed, nil,
				"failed to enqueue job message"); cerr != nil {
				log.Error("Failed to finalize unpublished scheduled job",
					slog.String("job_id", job.JobID),
					slog.String("error", cerr.Error()),
				)
			}
			return
		}

		log.Info("Scheduled sync enqueued",
			slog.String("job_id", job.JobID),
			slog.String("scope", cfg.Scheduler.SyncScope),
		)
	})
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	log.Info("Sync scheduler started",
		slog.String("schedule", cfg.Scheduler.SyncSchedule),
		slog.String("scope", cfg.Scheduler.SyncScope),
	)

	return scheduler, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
