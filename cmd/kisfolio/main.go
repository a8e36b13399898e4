package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // KST expiry parsing in scratch container

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	kisadapter "github.com/ericfisherdev/kisfolio/internal/adapter/driven/kis"
	sqliteadapter "github.com/ericfisherdev/kisfolio/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/kisfolio/internal/adapter/driving/http"
	"github.com/ericfisherdev/kisfolio/internal/application"
	"github.com/ericfisherdev/kisfolio/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"sync_interval", cfg.SyncInterval,
		"sync_concurrency", cfg.SyncConcurrency,
		"prune_stale_holdings", cfg.PruneStaleHoldings,
	)
	if cfg.JWTSecretGenerated {
		slog.Warn("KISFOLIO_JWT_SECRET not set, using a random secret; sessions end on restart")
	}
	if cfg.DevAuthBypass {
		slog.Warn("development auth bypass enabled, unauthenticated requests act as " + application.DevUsername)
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire adapters.
	userStore := sqliteadapter.NewUserRepo(db)
	portfolioStore := sqliteadapter.NewPortfolioRepo(db)
	metaStore := sqliteadapter.NewStockMetaRepo(db)
	credentialStore, err := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
	if err != nil {
		return err
	}
	if !cfg.HasSecretKey() {
		slog.Warn("KISFOLIO_SECRET_KEY not set, broker credential storage disabled")
	}

	broker := kisadapter.NewClient(kisadapter.Options{
		LiveBaseURL:    cfg.KISLiveURL,
		SandboxBaseURL: cfg.KISSandboxURL,
		Location:       cfg.KISLocation,
	})

	// 6. Create and start the sync engine.
	tokens := application.NewTokenCache(broker, nil)
	syncSvc := application.NewSyncService(credentialStore, portfolioStore, broker, tokens, cfg.PruneStaleHoldings)
	scheduler := application.NewScheduler(syncSvc, credentialStore, application.SchedulerOptions{
		Interval:    cfg.SyncInterval,
		Concurrency: cfg.SyncConcurrency,
		UserTimeout: cfg.SyncUserTimeout,
	})
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(schedulerDone)
	}()

	// 7. Create user-facing services and the HTTP handler.
	authSvc := application.NewAuthService(userStore, cfg.JWTSecret, cfg.AccessTokenTTL)
	portfolioSvc := application.NewPortfolioService(credentialStore, portfolioStore, metaStore)
	quoteSvc := application.NewQuoteService(credentialStore, broker, tokens)

	apiHandler := httphandler.NewHandler(authSvc, portfolioSvc, quoteSvc, scheduler, cfg.DevAuthBypass, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// A manual sync waits for the user's full sync.
		WriteTimeout: cfg.SyncUserTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("kisfolio started",
		"listen_addr", cfg.ListenAddr,
		"sync_interval", cfg.SyncInterval,
	)

	// 8. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 9. Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// 10. Let a user sync already in flight commit before the database closes.
	select {
	case <-schedulerDone:
	case <-time.After(cfg.SyncUserTimeout):
		slog.Warn("sync scheduler did not stop in time", "timeout", cfg.SyncUserTimeout)
	}

	slog.Info("shutdown complete")
	return nil
}
