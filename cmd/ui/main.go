package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"trader-space/internal/broker"
	"trader-space/internal/config"
	"trader-space/internal/credential"
	"trader-space/internal/database"
	"trader-space/internal/logger"
	"trader-space/internal/metrics"
	"trader-space/internal/phemex"
	"trader-space/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, "ui")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	cipher, err := credential.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal("Invalid security.encryption_key", zap.Error(err))
	}

	st := store.New(db)
	registry := broker.NewRegistry()
	phemex.Register(registry, &cfg.Phemex, log)
	m := metrics.New()

	apiHandler := NewAPIHandler(log, st, credential.NewVault(st, cipher), registry, m,
		cfg.Listener.UserID, cfg.Listener.Broker)

	mux := http.NewServeMux()
	apiHandler.Routes(mux)
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("Starting web server", zap.String("address", server.Addr))

	if err := server.ListenAndServe(); err != nil {
		log.Fatal("Web server failed", zap.Error(err))
	}
}
