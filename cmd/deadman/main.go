package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"deadman/internal/app"
	"deadman/internal/clock"
	"deadman/internal/config"

	"github.com/gin-gonic/gin"
)

// main starts the dead-man's-switch service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --env-file).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		envFile    = flag.String("env-file", "", "path to dotenv file with secrets (default .env, missing file is ignored)")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir, *envFile)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	gin.SetMode(gin.ReleaseMode)
	service, err := app.NewService(context.Background(), source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
