package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"labmanager/internal/agent"
	"labmanager/internal/authcache"
	"labmanager/internal/clock"
	"labmanager/internal/database"
	"labmanager/internal/manager"
	"labmanager/internal/scheduler"
	"labmanager/internal/summary"
	"labmanager/internal/telemetry"
	"labmanager/pkg/auth"
	"labmanager/pkg/config"
	"labmanager/pkg/models"
)

func init() {
	// Configure zerolog for human-friendly console output
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	// Load configuration
	configFile := config.FindConfigFile("labmanager")
	envFile := config.FindEnvironmentFile("labmanager")

	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging based on config
	cfg.Log.ConfigureZerolog()

	log.Info().Msg("Starting Lab Manager Service")
	log.Info().Str("config_file", configFile).Msg("Configuration loaded")
	log.Info().Str("env_file", envFile).Msg("Environment loaded")
	log.Info().
		Str("log_level", cfg.Log.Level).
		Bool("debug", cfg.Log.Debug).
		Msg("Log level configured")

	// Initialize database
	db, err := database.New(cfg.Database.DSN, database.WithDebug(cfg.Database.Debug))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func(db *database.BunDB) {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database connection")
		}
	}(db)

	clk := clock.System{}

	// Core services
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecretKey)
	sched := scheduler.New(db, clk)
	buffer := telemetry.NewBuffer(db.Telemetries)
	cache := authcache.New(db.Machines)
	summarizer := summary.New(db)

	// HTTP handlers
	agentHandler := agent.NewHandler(db, cache, sched, buffer, clk)
	adminHandler := manager.NewHandler(db, jwtManager, sched, buffer, cache, summarizer, clk, cfg.Retention.MaxAge)

	router := mux.NewRouter()
	adminHandler.RegisterRoutes(router, agentHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background workers
	go buffer.Run(ctx)
	go offlineSweep(ctx, db, cfg.Agent.SweepInterval, cfg.Agent.OfflineThreshold)

	// Create server with HTTP/2 support
	server := &http.Server{
		Addr:           cfg.GetListenAddress(),
		Handler:        h2c.NewHandler(manager.CORSMiddleware(router), &http2.Server{}),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		log.Info().
			Str("address", cfg.GetListenAddress()).
			Msg("Starting lab manager server")
		log.Info().Msgf("Health check: http://%s/health", cfg.GetListenAddress())

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	if err := buffer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Telemetry buffer shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

// offlineSweep periodically marks machines offline when their agents
// go silent for longer than the threshold.
func offlineSweep(ctx context.Context, db *database.BunDB, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepOnce(ctx, db, threshold)
		case <-ctx.Done():
			return
		}
	}
}

func sweepOnce(ctx context.Context, db *database.BunDB, threshold time.Duration) {
	machines, err := db.Machines.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Offline sweep failed to list machines")
		return
	}

	cutoff := time.Now().Add(-threshold)
	for _, m := range machines {
		if m.Status == models.MachineOffline || m.Status == models.MachineMaintenance {
			continue
		}
		if m.LastSeenAt != nil && m.LastSeenAt.After(cutoff) {
			continue
		}

		m.Status = models.MachineOffline
		m.LoggedUser = nil
		if err := db.Machines.Update(ctx, m); err != nil {
			log.Error().Err(err).Int64("machine_id", m.ID).Msg("Failed to mark machine offline")
			continue
		}
		log.Warn().Int64("machine_id", m.ID).Str("name", m.Name).Msg("Machine marked offline")
	}

	manager.UpdateMachineGauges(machines)
}
