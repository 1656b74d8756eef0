package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"trader-space/internal/config"
	"trader-space/internal/credential"
	"trader-space/internal/database"
	"trader-space/internal/listener"
	"trader-space/internal/logger"
	"trader-space/internal/metrics"
	"trader-space/internal/reconcile"
	"trader-space/internal/relay"
	"trader-space/internal/store"
	"trader-space/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configDir := flag.String("config", "./configs", "directory containing config.yml")
	credSource := flag.String("credentials", "vault", "credential source: vault or config")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, "listener")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	st := store.New(db)
	log.Info("Database connection successful and schema migrated.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := resolveCredential(ctx, *credSource, &cfg, st)
	if err != nil {
		log.Fatal("Failed to resolve broker credential",
			zap.Error(err),
			zap.Uint("user_id", cfg.Listener.UserID),
			zap.String("broker", cfg.Listener.Broker),
		)
	}

	m := metrics.New()
	rel := relay.New(cfg.Relay, log, m)
	rec := reconcile.New(st, cfg.Listener.UserID, cred.Broker, log, m,
		reconcile.WithStaleAfter(cfg.Listener.StaleAfter))
	router := listener.NewRouter(rec, rel, cfg.Listener.Symbol, log)
	dial := listener.WebSocketDialer(transport.NewDialer(log))

	sessionCfg := listener.SessionConfig{
		URL:                cfg.Phemex.WsURL,
		Credential:         cred,
		Symbol:             cfg.Listener.Symbol,
		Streams:            cfg.Listener.Streams,
		TickSymbol:         cfg.Listener.TickSymbol,
		HeartbeatInterval:  cfg.Listener.HeartbeatInterval,
		DeadAfterIntervals: cfg.Listener.DeadAfterIntervals,
		AuthTimeout:        cfg.Listener.AuthTimeout,
		AuthExpiry:         time.Duration(cfg.Phemex.WsExpirySeconds) * time.Second,
		InboxSize:          cfg.Listener.InboxSize,
	}
	supervisor := listener.NewSupervisor(listener.SupervisorConfig{
		InitialDelay:           cfg.Listener.ReconnectInitial,
		MaxDelay:               cfg.Listener.ReconnectMax,
		MaxConsecutiveFailures: cfg.Listener.MaxConsecutiveFailures,
	}, func(attempt int) listener.Runner {
		return listener.NewSession(sessionCfg, dial, router, log.With(zap.Int("attempt", attempt)), m)
	}, log, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		log.Info("Starting metrics server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	})
	lifecycle.Go(func() {
		rel.Run(runCtx)
	})

	log.Info("Listener started",
		zap.String("symbol", cfg.Listener.Symbol),
		zap.Strings("streams", cfg.Listener.Streams),
		zap.String("relay", cfg.Relay.URL),
	)
	exitCode := 0
	if err := supervisor.Run(runCtx); err != nil {
		log.Error("Listener stopped", zap.Error(err))
		exitCode = 1
	}

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	lifecycle.Wait()

	log.Info("Listener has been shut down.")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}

// resolveCredential loads the broker credential from the encrypted store, or
// from the config file when source is "config".
func resolveCredential(ctx context.Context, source string, cfg *config.Config, st *store.Store) (credential.Credential, error) {
	switch source {
	case "config":
		cred := credential.Credential{
			UserID:    cfg.Listener.UserID,
			Broker:    cfg.Listener.Broker,
			APIKey:    cfg.Phemex.ApiKey,
			APISecret: credential.Secret(cfg.Phemex.SecretKey),
		}
		return cred, cred.Validate()
	case "vault":
		cipher, err := credential.NewCipher(cfg.Security.EncryptionKey)
		if err != nil {
			return credential.Credential{}, err
		}
		return credential.NewVault(st, cipher).Resolve(ctx, cfg.Listener.UserID, cfg.Listener.Broker)
	default:
		return credential.Credential{}, fmt.Errorf("unknown credential source %q", source)
	}
}
