package handler

import (
	"log/slog"

	"github.com/venturelink/sync-be/internal/jobs"
	"github.com/venturelink/sync-be/internal/ledger"
	"github.com/venturelink/sync-be/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Jobs         *jobs.Manager
	Ledger       *ledger.Ledger
	RabbitClient *rabbitmq.Client
	// Retriers maps a failed record's type to the component that can
	// reprocess it
	Retriers map[string]ledger.Retrier
}
