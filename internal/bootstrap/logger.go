package bootstrap

import (
	"copytrade/pkg/logging"
)

// InitLogger builds the process logger from the system section
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	return logging.New(logging.Options{
		Level:      cfg.System.LogLevel,
		File:       cfg.System.LogFile,
		MaxSizeMB:  cfg.System.LogMaxSizeMB,
		MaxBackups: cfg.System.LogMaxBackups,
		MaxAgeDays: cfg.System.LogMaxAgeDays,
	})
}
