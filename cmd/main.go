package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"outreach-sequencer/internal/admin"
	"outreach-sequencer/internal/api"
	"outreach-sequencer/internal/auth"
	"outreach-sequencer/internal/concurrency"
	"outreach-sequencer/internal/config"
	"outreach-sequencer/internal/counter"
	"outreach-sequencer/internal/logger"
	"outreach-sequencer/internal/manager"
	"outreach-sequencer/internal/messaging"
	"outreach-sequencer/internal/metrics"
	"outreach-sequencer/internal/provider"
	"outreach-sequencer/internal/scheduler"
	"outreach-sequencer/internal/storage"
	"outreach-sequencer/internal/webhook"
)

// @title Outreach Sequencer API
// @version 1.0
// @description Multi-tenant outreach sequencer with shared capacity umbrellas
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	// Init Metrics
	metrics.Init()

	// Load Configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Env)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()
	zlog.Info("configuration loaded")

	// Setup JWT Secret
	auth.SetSecret(cfg.Auth.JWTSecret)

	// Init PostgreSQL
	db, err := storage.NewStorage(cfg.Database.URL)
	if err != nil {
		zlog.Fatal("failed to init DB", zap.Error(err))
	}
	defer db.DB.Close()
	zlog.Info("PostgreSQL connected")

	// Init RabbitMQ
	rabbitClient, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL, zlog)
	if err != nil {
		zlog.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitClient.Close()
	zlog.Info("RabbitMQ connected")

	// Concurrency manager over the in-process counter store
	counters := counter.NewMemory()
	cm := concurrency.NewManager(counters, db, zlog)

	// Tenant consumers for deferred webhook events
	rabbitConn := rabbitClient.GetConnection()
	tm := manager.NewTenantManager(rabbitConn, rabbitClient, db, zlog)

	// Start background loop for updating queue depth metrics
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			for _, tenantID := range tm.ListTenantIDs() {
				rabbitClient.UpdateQueueDepth(tenantID)
			}
		}
	}()

	// Recover consumers for every tenant with an active assignment
	assignments, err := db.ListActiveAssignments(context.Background())
	if err != nil {
		zlog.Fatal("failed to load tenant assignments", zap.Error(err))
	}
	for _, a := range assignments {
		if err := tm.AddTenant(a.TenantID); err != nil {
			zlog.Warn("failed to recover tenant consumer", zap.Stringer("tenant", a.TenantID), zap.Error(err))
			continue
		}
		zlog.Info("recovered tenant", zap.Stringer("tenant", a.TenantID))
	}

	// Scheduler loop
	dispatcher := provider.NewHTTPDispatcher(cfg.Provider.MessageURL, cfg.Provider.VoiceURL, cfg.DispatchTimeout())
	loop := scheduler.NewLoop(db, cm, dispatcher, scheduler.Config{
		TickPeriod:      cfg.TickPeriod(),
		BatchSize:       cfg.Scheduler.BatchSize,
		Workers:         cfg.Scheduler.Workers,
		RetryBudget:     cfg.Provider.RetryBudget,
		DispatchTimeout: cfg.DispatchTimeout(),
		StaleAfter:      cfg.HeartbeatStaleAfter(),
		VoiceSlotTTL:    cfg.VoiceSlotTTL(),
	}, zlog)

	// Graceful Shutdown Setup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)

	// Webhook ingestion + admin API
	migrator := admin.NewMigrator(db, cm, zlog)
	webhooks := webhook.NewHandler(db, rabbitClient, cm, zlog)
	apiHandler := api.NewAPI(db, cm, migrator, webhooks, loop, cfg, zlog)
	server := &http.Server{
		Addr:    ":8080",
		Handler: apiHandler.Router(),
	}

	go func() {
		zlog.Info("starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done() // Wait for interrupt signal
	zlog.Info("shutdown initiated")

	// Shutdown sequence
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("HTTP shutdown error", zap.Error(err))
	}

	// Stop the scheduler and all tenant consumers
	loop.Stop()
	tm.ShutdownAll()

	zlog.Info("graceful shutdown complete")
}
