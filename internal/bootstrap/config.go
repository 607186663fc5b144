package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"copytrade/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(path, cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(path string, cfg *Config) error {
	if cfg.App.DatabasePath != "" {
		dir := filepath.Dir(cfg.App.DatabasePath)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("database directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("database directory %s is not a directory", dir)
		}
	}

	// A config that talks to a live venue carries account secrets unless they
	// come from the environment; it must not be readable by other users.
	if strings.EqualFold(cfg.App.Exchange, "mock") {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("insecure permissions on config file %s: %04o (should be 0600)", path, mode)
	}
	return nil
}
