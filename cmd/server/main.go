// Command server runs the bid decision engine.
package main

import (
	"context"
	"os"

	"github.com/bidsense/bidengine/internal/config"
	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Configuration decides the log format, so bootstrap with text.
	boot := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		boot.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bidengine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"predictor", cfg.PredictorBackend,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
