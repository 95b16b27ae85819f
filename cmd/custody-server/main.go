// Package main provides the custody server entry point: the HTTP API, the
// off-chain mirror, and the mirror reconciliation workers in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/beantrace/custody/pkg/custody"
	"github.com/beantrace/custody/pkg/dblock"
	"github.com/beantrace/custody/pkg/funding"
	"github.com/beantrace/custody/pkg/keyvault"
	"github.com/beantrace/custody/pkg/ledger"
	"github.com/beantrace/custody/pkg/syncjobs"
)

func main() {
	var (
		listenAddr string
		configPath string
		dbType     string
		dbDSN      string
	)

	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&dbType, "db-type", "", "Database type (postgres or sqlite, overrides config)")
	flag.StringVar(&dbDSN, "db-dsn", "", "Database connection string (overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbType != "" {
		cfg.Database.Type = dbType
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}

	logger.Info("starting custody server",
		"listen", cfg.Listen,
		"dbType", cfg.Database.Type,
		"rpcEndpoint", cfg.Ledger.RPCEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := openDatabase(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	ledgerCfg, err := cfg.ledgerConfig()
	if err != nil {
		logger.Error("invalid ledger config", "error", err)
		os.Exit(1)
	}
	if cfg.Vault.Secret == "" {
		logger.Error("vault.secret is required")
		os.Exit(1)
	}

	// Stores.
	accounts := keyvault.NewStore(db)
	mirror := custody.NewStore(db)
	audit := custody.NewAuditStore(db)
	jobs := syncjobs.NewJobStore(db)
	// Replicas race on AutoMigrate without the lock.
	locker := dblock.NewMigrationLocker(db)
	err = locker.WithLock(ctx, func() error {
		for name, migrate := range map[string]func() error{
			"custodial accounts": accounts.AutoMigrate,
			"mirror":             mirror.AutoMigrate,
			"audit":              audit.AutoMigrate,
			"sync jobs":          jobs.AutoMigrate,
		} {
			if err := migrate(); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	vault, err := keyvault.NewVault(accounts, cfg.Vault.Secret)
	if err != nil {
		logger.Error("failed to initialize key vault", "error", err)
		os.Exit(1)
	}

	client := ledger.NewRPCClient(ledgerCfg)
	guard := funding.NewGuard(client, ledgerCfg, logger)
	orch := ledger.NewOrchestrator(client, ledgerCfg, logger)
	coord := custody.NewCoordinator(vault, accounts, guard, orch, mirror, audit, jobs, logger)

	// Mirror reconciliation workers.
	workers := syncjobs.NewWorkerPool(jobs, mirror, cfg.workerConfig(), logger)
	go workers.Run(ctx)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-Id", "X-User-Role"},
	}))

	router.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	router.Mount("/api/v1", custody.NewRouter(coord, mirror, audit, vault))
	router.Mount("/api/v1/sync-jobs", syncjobs.Router(jobs))

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		logger.Info("custody server ready", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("custody server stopped")
}

func openDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("database DSN is required (use -db-dsn, config, or DATABASE_DSN)")
		}
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	switch dbType {
	case "postgres", "":
		return gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres or sqlite)", dbType)
	}
}
