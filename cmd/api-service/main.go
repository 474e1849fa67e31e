package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/venturelink/sync-be/internal/api/handler"
	"github.com/venturelink/sync-be/internal/api/router"
	"github.com/venturelink/sync-be/internal/config"
	"github.com/venturelink/sync-be/internal/crm"
	"github.com/venturelink/sync-be/internal/enrich"
	"github.com/venturelink/sync-be/internal/jobs"
	"github.com/venturelink/sync-be/internal/ledger"
	ledgerdomain "github.com/venturelink/sync-be/internal/ledger/domain"
	"github.com/venturelink/sync-be/internal/orgs"
	"github.com/venturelink/sync-be/internal/reconcile"
	"github.com/venturelink/sync-be/internal/urlhealth"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	deps := buildDependencies(cfg, appLogger.Logger, dbClient, rabbitClient)
	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// buildDependencies wires the job manager, the ledger, and the retry paths
// for each failed-record type
func buildDependencies(cfg *config.Config, log *slog.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) *handler.Dependencies {
	db := dbClient.GetDB()

	jobManager := jobs.NewManager(db, log)
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

	retriers := map[string]ledger.Retrier{
		ledgerdomain.RecordTypeCRMRecord:    engine,
		ledgerdomain.RecordTypeOrganization: engine,
		ledgerdomain.RecordTypeURLHealth:    urlRunner,
	}

	// Enrichment retries are only available when the API key is configured
	if enricher, err := enrich.NewEnricher(cfg.Enrichment.APIKey, cfg.Enrichment.Model, cfg.Enrichment.RequestTimeout); err == nil {
		retriers[ledgerdomain.RecordTypeEnrichment] = enrich.NewRunner(
			enricher, orgStore, failedLedger, jobManager, log)
	} else {
		log.Warn("Enrichment retries disabled",
			slog.String("reason", err.Error()),
		)
	}

	return &handler.Dependencies{
		Logger:       log,
		Jobs:         jobManager,
		Ledger:       failedLedger,
		RabbitClient: rabbitClient,
		Retriers:     retriers,
	}
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
