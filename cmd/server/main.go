package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/config"
	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/middleware"
	"github.com/pesio-ai/be-approvals/internal/store/postgres"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := newLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	store := postgres.New(db)

	// Initialize directory client
	var directory workflow.Directory
	if cfg.Directory.URL != "" {
		directory = client.NewDirectoryClient(cfg.Directory.URL, cfg.Directory.Timeout)
		log.Info().Str("url", cfg.Directory.URL).Msg("Directory client initialized")
	} else {
		directory = &client.StaticDirectory{}
		log.Warn().Msg("Directory URL not configured, using empty static directory")
	}

	// Initialize notification publisher
	var notifier workflow.Notifier = workflow.NopNotifier{}
	if cfg.NATS.URL != "" {
		publisher, closePublisher, err := client.NewNotificationPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, notifications disabled")
		} else {
			notifier = publisher
			defer closePublisher()
			log.Info().Str("url", cfg.NATS.URL).Msg("Notification publisher initialized")
		}
	}

	// Initialize workflow components
	catalog := workflow.NewCatalog(store, log)
	resolver := workflow.NewStepResolver(directory)
	engine := workflow.NewEngine(store, resolver, directory, log, workflow.WithNotifier(notifier))

	// Start timeout/escalation sweeper
	if cfg.Scheduler.Enabled {
		scheduler, err := workflow.NewScheduler(store, engine, cfg.Scheduler.SweepSchedule, log,
			workflow.WithSchedulerNotifier(notifier))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create scheduler")
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info().Str("schedule", cfg.Scheduler.SweepSchedule).Msg("Timeout sweeper started")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(catalog, engine, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	// Definition routes
	mux.HandleFunc("/api/v1/approvals/definitions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListDefinitions(w, r)
		case http.MethodPost:
			httpHandler.CreateDefinition(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approvals/definitions/get", httpHandler.GetDefinition)
	mux.HandleFunc("/api/v1/approvals/definitions/steps", httpHandler.AddStep)
	mux.HandleFunc("/api/v1/approvals/definitions/deprecate", httpHandler.DeprecateDefinition)

	// Instance routes
	mux.HandleFunc("/api/v1/approvals/start", httpHandler.StartWorkflow)
	mux.HandleFunc("/api/v1/approvals/instances/get", httpHandler.GetInstance)
	mux.HandleFunc("/api/v1/approvals/instances/requests", httpHandler.ListRequests)
	mux.HandleFunc("/api/v1/approvals/instances/history", httpHandler.ListHistory)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelWorkflow)

	// Decision routes
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPendingApprovals)
	mux.HandleFunc("/api/v1/approvals/approve", httpHandler.ApproveRequest)
	mux.HandleFunc("/api/v1/approvals/reject", httpHandler.RejectRequest)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log)(h)
	h = middleware.Recovery(&log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
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

	log.Info().Msg("Server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stdout)
	if cfg.Service.Environment == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return out.Level(level).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()
}
