// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Environment always wins so deployments can
// tweak a single knob without shipping a new file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// NATSConfig holds broker settings. An empty URL disables the broker sink and
// the dispatcher falls back to its local consumer wiring.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DispatcherConfig tunes the outbox delivery loop.
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// EscalationConfig tunes the deadline sweeper.
type EscalationConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	GraceWindow    time.Duration `yaml:"grace_window"`
	MaxEscalations int           `yaml:"max_escalations"`
	BatchSize      int           `yaml:"batch_size"`
	// RoleLadder is the organizational ladder used by hierarchical and
	// priority-based escalation, lowest rung first.
	RoleLadder []string `yaml:"role_ladder"`
}

// Load reads CONFIG_FILE (when set), applies defaults and env overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Dispatcher.MaxAttempts < 1 {
		return nil, fmt.Errorf("dispatcher.max_attempts must be >= 1")
	}
	if cfg.Escalation.MaxEscalations < 0 {
		return nil, fmt.Errorf("escalation.max_escalations must be >= 0")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-plt-approvals",
			Version:     "dev",
			Environment: "local",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "approvals",
			Database: "approvals",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		NATS: NATSConfig{
			SubjectPrefix: "approvals",
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 500 * time.Millisecond,
			BatchSize:    50,
			Workers:      2,
			BackoffBase:  2 * time.Second,
			BackoffCap:   5 * time.Minute,
			MaxAttempts:  8,
		},
		Escalation: EscalationConfig{
			TickInterval:   30 * time.Second,
			GraceWindow:    24 * time.Hour,
			MaxEscalations: 3,
			BatchSize:      100,
			RoleLadder:     []string{"TEAM_LEAD", "DEPARTMENT_MANAGER", "FINANCE_DIRECTOR", "CFO"},
		},
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Service.Name, "SERVICE_NAME")
	setStr(&cfg.Service.Version, "SERVICE_VERSION")
	setStr(&cfg.Service.Environment, "ENVIRONMENT")
	setStr(&cfg.Service.LogLevel, "LOG_LEVEL")

	setInt(&cfg.Server.Port, "HTTP_PORT")

	setStr(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setStr(&cfg.Database.User, "DB_USER")
	setStr(&cfg.Database.Password, "DB_PASSWORD")
	setStr(&cfg.Database.Database, "DB_NAME")
	setStr(&cfg.Database.SSLMode, "DB_SSL_MODE")

	setStr(&cfg.NATS.URL, "NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	setDur(&cfg.Dispatcher.PollInterval, "DISPATCHER_POLL_INTERVAL")
	setInt(&cfg.Dispatcher.MaxAttempts, "DISPATCHER_MAX_ATTEMPTS")
	setDur(&cfg.Dispatcher.BackoffBase, "DISPATCHER_BACKOFF_BASE")
	setDur(&cfg.Dispatcher.BackoffCap, "DISPATCHER_BACKOFF_CAP")

	setDur(&cfg.Escalation.TickInterval, "ESCALATION_TICK_INTERVAL")
	setDur(&cfg.Escalation.GraceWindow, "ESCALATION_GRACE_WINDOW")
	setInt(&cfg.Escalation.MaxEscalations, "ESCALATION_MAX_ESCALATIONS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
