// Package logger builds the service-wide zerolog root logger.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls the root logger fields and level.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// New creates a zerolog logger writing JSON to stdout, or console output in
// local development.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Environment == "local" || cfg.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()
}
