package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/dispatch"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize stores. Local development runs entirely in memory; every
	// other environment requires Postgres.
	var (
		requestRepo    repository.RequestRepository
		delegationRepo repository.DelegationRepository
		escalationRepo repository.EscalationRepository
		outboxRepo     repository.OutboxRepository
	)
	if cfg.Service.Environment == "local" && os.Getenv("DB_HOST") == "" {
		log.Warn().Msg("No database configured; using in-memory stores")
		requestRepo = memory.NewRequestStore()
		delegationRepo = memory.NewDelegationStore()
		escalationRepo = memory.NewEscalationStore()
		outboxRepo = memory.NewOutboxStore()
	} else {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		requestRepo = repository.NewPGRequestRepository(db)
		delegationRepo = repository.NewPGDelegationRepository(db)
		escalationRepo = repository.NewPGEscalationRepository(db)
		outboxRepo = repository.NewPGOutboxRepository(db)
	}

	// Directory (identity service)
	var directory service.Directory
	if identityURL := os.Getenv("IDENTITY_URL"); identityURL != "" {
		directory = client.NewIdentityClient(identityURL)
		log.Info().Str("identity_url", identityURL).Msg("Identity client initialized")
	} else {
		log.Warn().Msg("No identity service configured; using static directory")
		directory = client.StaticDirectory{Roles: map[string][]string{}}
	}

	// Event dispatcher
	registry := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(registry)

	var sink dispatch.Sink
	if cfg.NATS.URL != "" {
		natsSink, err := dispatch.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsSink.Close()
		sink = natsSink
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("NATS sink initialized")
	} else {
		log.Warn().Msg("No broker configured; events will be logged")
		sink = dispatch.LogSink{Log: log}
	}

	dispatcher := dispatch.New(outboxRepo, sink, dispatch.Config{
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		Workers:      cfg.Dispatcher.Workers,
		BackoffBase:  cfg.Dispatcher.BackoffBase,
		BackoffCap:   cfg.Dispatcher.BackoffCap,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	}, metrics, log)

	// Core services
	actionRegistry := service.DefaultRegistry()
	resolver := service.NewResolver()
	delegationManager := service.NewDelegationManager(delegationRepo, directory, actionRegistry, log)
	stateMachine := service.NewStateMachine(
		requestRepo, escalationRepo, delegationManager, resolver,
		actionRegistry, dispatcher, directory, log,
	)
	escalationEngine := service.NewEscalationEngine(stateMachine, requestRepo, service.EscalationConfig{
		TickInterval:   cfg.Escalation.TickInterval,
		GraceWindow:    cfg.Escalation.GraceWindow,
		MaxEscalations: cfg.Escalation.MaxEscalations,
		BatchSize:      cfg.Escalation.BatchSize,
		RoleLadder:     cfg.Escalation.RoleLadder,
	}, log)

	// Background loops
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		escalationEngine.Run(ctx)
	}()

	// HTTP surface
	httpHandler := handler.NewHTTPHandler(stateMachine, delegationManager, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop background loops and drain any events already claimed
	cancel()
	wg.Wait()
	dispatcher.SweepFallback(shutdownCtx)
	dispatcher.DeliverPending(shutdownCtx)

	log.Info().Msg("Server stopped")
}
