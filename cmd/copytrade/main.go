package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"copytrade/internal/bootstrap"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file with account secrets")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("copytrade version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Secrets referenced as ${VAR} in the config may come from a dotenv file
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	bootstrap.Version = version
	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Logger.Info("Starting copytrade", "version", version)
	if err := app.Run(); err != nil {
		app.Logger.Error("copytrade exited", "error", err)
		app.Close()
		os.Exit(1)
	}
}
