// Package main provides the fleet control plane server entry point.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/hashplane/hashplane/internal/db"
	"github.com/hashplane/hashplane/internal/server"
	"github.com/hashplane/hashplane/pkg/ha"
)

func main() {
	var (
		listenAddr    string
		dbKind        string
		dbDSN         string
		inventoryPath string
		policiesPath  string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&dbKind, "db-kind", "", "Database kind (sqlite, mysql or postgres)")
	flag.StringVar(&dbDSN, "db-dsn", "", "Database connection string")
	flag.StringVar(&inventoryPath, "inventory", "", "Path to the fleet inventory YAML")
	flag.StringVar(&policiesPath, "policies", "", "Path to the approval policy YAML")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := server.ConfigFromEnv()
	if inventoryPath != "" {
		cfg.Fleet.InventoryFile = inventoryPath
	}
	if policiesPath != "" {
		cfg.Policy.PolicyPath = policiesPath
	}

	dbCfg := db.ConfigFromEnv()
	if dbKind != "" {
		dbCfg.Kind = db.Kind(dbKind)
	}
	if dbDSN != "" {
		dbCfg.DSN = dbDSN
	}

	logger.Info("starting fleet server",
		"listen", listenAddr,
		"db_kind", dbCfg.Kind,
		"tenancy_mode", cfg.TenancyMode,
		"auth_mode", cfg.Auth.Mode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gdb, err := db.Open(dbCfg)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	var opts []server.Option
	if cfg.HA.MigrationLockEnabled {
		opts = append(opts, server.WithMigrationLocker(ha.NewMigrationLocker(gdb)))
	}
	if cfg.HA.LeaderElectionEnabled {
		le := ha.NewLeaderElector(cfg.HA, gdb, cfg.HA.Identity, logger)
		opts = append(opts, server.WithLeaderElector(le))
		logger.Info("leader election enabled",
			"lease", cfg.HA.LeaseName, "identity", cfg.HA.Identity)
	}

	srv := server.New(gdb, cfg, logger, opts...)
	if err := srv.Init(ctx); err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}

	router := srv.MountRoutes()
	srv.Start(ctx)

	logger.Info("fleet server ready", "listen", listenAddr)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("fleet server stopped")
}
