package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"viewstore/internal/app"
	"viewstore/pkg/config"
	"viewstore/pkg/logger"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func abort(msg string, err error) {
	fmt.Fprintf(os.Stderr, "viewstore: %s: %v\n", msg, err)
	logger.Error("fatal", "msg", msg, "error", err)
	logger.Sync()
	os.Exit(1)
}

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		abort("failed to parse flags", err)
	}

	eff, err := config.LoadEffectiveConfig(flags)
	if err != nil {
		abort("failed to build effective config", err)
	}
	if err := config.ValidateConfig(eff); err != nil {
		abort("invalid configuration", err)
	}
	if flags.Validate {
		fmt.Println("configuration OK")
		return
	}

	// initialize logger after config is fully loaded
	logger.Init(eff.Config.Logging.Level, eff.Config.Logging.Sink, eff.Config.Logging.Format)
	defer logger.Sync()
	logger.Info("effective_config_loaded", "sources", eff.Sources, "addr", eff.Config.Addr(), "store", eff.Config.Store.Path)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		abort("failed to initialize app", err)
	}

	ctx, cancel := app.SetupSignalHandler(context.Background())
	defer cancel()

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error("app_run_failed", "error", runErr)
	}

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("app_shutdown_failed", "error", err)
	}
	if runErr != nil {
		abort("app run failed", runErr)
	}
}
