// Command server runs the tourbridge API and the reconciliation loops.
package main

import (
	"context"
	"os"

	"github.com/mbd888/tourbridge/internal/app"
	"github.com/mbd888/tourbridge/internal/config"
	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tourbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"operators_file", cfg.OperatorsFile,
		"primary_operator", cfg.PrimaryOperator,
	)

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to wire application", "error", err)
		os.Exit(1)
	}

	if err := server.New(a).Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
