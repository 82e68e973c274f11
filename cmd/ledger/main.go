// Command ledger runs a base ledger node.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/datmedevil17/simcityMagicblock/internal/app"
	"github.com/datmedevil17/simcityMagicblock/internal/config"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Optional .env file")
	addr := flag.String("addr", "", "Listen address, overrides server.addr")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	lg := logger.New(cfg.Logging).Named("ledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.NewLedger(ctx, cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("failed to build ledger node")
	}
	lg.WithField("storage", cfg.Storage.Backend).
		WithField("validators", node.Pool.IDs()).
		Info("ledger node configured")

	runErr := node.Run(ctx)
	if runErr != nil {
		lg.WithError(runErr).Error("server error")
	}

	lg.Info("shutting down")
	if err := node.Shutdown(context.Background()); err != nil {
		lg.WithError(err).Warn("shutdown error")
	}
	if runErr != nil {
		os.Exit(1)
	}
}
