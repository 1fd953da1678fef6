package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/certfleet/certfleet/pkg/agent"
	"github.com/certfleet/certfleet/pkg/config"
	_ "github.com/certfleet/certfleet/pkg/logutil"
	"github.com/certfleet/certfleet/pkg/util/contextutil"
)

func main() {
	configPath := flag.String("config", "/etc/certfleet/agent.yaml", "path to the agent config file")
	flag.Parse()

	logger := slog.Default()
	ctx := contextutil.SetupSignals(context.Background())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.With("err", err, "path", *configPath).Error("failed to load config")
		os.Exit(1)
	}

	a, err := agent.New(logger, cfg)
	if err != nil {
		logger.With("err", err).Error("failed to build agent")
		os.Exit(1)
	}

	logger.With("version", agent.Version, "instance_id", cfg.Agent.InstanceID).Info("certfleet agent starting...")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.With("err", err).Error("agent exited with error")
		os.Exit(1)
	}
	logger.Info("certfleet agent stopped")
}
