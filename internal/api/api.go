package api

import (
	"time"

	"go.uber.org/zap"

	"outreach-sequencer/internal/admin"
	"outreach-sequencer/internal/concurrency"
	"outreach-sequencer/internal/config"
	"outreach-sequencer/internal/storage"
	"outreach-sequencer/internal/webhook"
)

// Health is the scheduler's liveness surface consumed by /healthz.
type Health interface {
	Healthy(now time.Time) bool
	LastHeartbeat() time.Time
}

type API struct {
	Storage  *storage.Storage
	Manager  *concurrency.Manager
	Migrator *admin.Migrator
	Webhooks *webhook.Handler
	Health   Health
	Cfg      *config.Config
	Log      *zap.Logger
}

func NewAPI(
	db *storage.Storage,
	cm *concurrency.Manager,
	migrator *admin.Migrator,
	webhooks *webhook.Handler,
	health Health,
	cfg *config.Config,
	log *zap.Logger,
) *API {
	return &API{
		Storage:  db,
		Manager:  cm,
		Migrator: migrator,
		Webhooks: webhooks,
		Health:   health,
		Cfg:      cfg,
		Log:      log,
	}
}
