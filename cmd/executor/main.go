// Command executor runs an execution layer node.
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
	id := flag.String("id", "", "Validator id, overrides executor.id")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *id != "" {
		cfg.Executor.ID = *id
	}
	lg := logger.New(cfg.Logging).Named("executor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.NewExecutor(ctx, cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("failed to build executor node")
	}
	lg.WithField("validator", node.Node.ID()).
		WithField("backend", cfg.Executor.Backend).
		Info("executor node configured")

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
