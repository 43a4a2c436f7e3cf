// Package config handles configuration loading from an optional YAML file and
// environment variables, env taking precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Known execution backends.
const (
	BackendSubprocess = "subprocess"
	BackendEmbedded   = "embedded"
	BackendContainer  = "container"
)

// Config holds all configuration values for the supervisor.
type Config struct {
	// Database connection string
	DatabaseURL string

	// Port serving Prometheus metrics and health
	MetricsPort int

	// Host name recorded on claimed runs; defaults to os.Hostname
	Host string

	// Directory for per-run log files
	LogDir string

	// Backend used when a run's config does not name one
	DefaultBackend string

	// Default argv template for the subprocess backend
	SubprocessCommand string

	// Working directory for subprocess workloads
	SubprocessWorkDir string

	// Supervision loop cadence
	TickInterval time.Duration

	// Heartbeat age beyond which a run is considered stale
	HeartbeatStale time.Duration

	// Window after launch during which a missing heartbeat is tolerated
	StartupGrace time.Duration

	// Grace period for stop requests that do not carry one
	DefaultStopGrace time.Duration

	// Wait for backend confirmation after a forced kill
	ForceStopWait time.Duration

	// OTLP collector endpoint for traces
	OTELEndpoint string
}

// Load reads configuration from the given config file (may be empty) and the
// environment. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("metrics_port", 6161)
	v.SetDefault("log_dir", "logs")
	v.SetDefault("backend", BackendSubprocess)
	v.SetDefault("tick_interval", 2*time.Second)
	v.SetDefault("heartbeat_stale", 30*time.Second)
	v.SetDefault("startup_grace", 30*time.Second)
	v.SetDefault("stop_grace", 20*time.Second)
	v.SetDefault("force_stop_wait", 10*time.Second)
	v.SetDefault("otel_endpoint", "localhost:4317")

	bindings := map[string]string{
		"database_url":       "DATABASE_URL",
		"metrics_port":       "METRICS_PORT",
		"host":               "SUPERVISOR_HOST",
		"log_dir":            "LOG_DIR",
		"backend":            "BACKEND",
		"subprocess_command": "SUBPROCESS_COMMAND",
		"subprocess_workdir": "SUBPROCESS_WORKDIR",
		"tick_interval":      "TICK_INTERVAL",
		"heartbeat_stale":    "HEARTBEAT_STALE",
		"startup_grace":      "STARTUP_GRACE",
		"stop_grace":         "STOP_GRACE",
		"force_stop_wait":    "FORCE_STOP_WAIT",
		"otel_endpoint":      "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:       v.GetString("database_url"),
		MetricsPort:       v.GetInt("metrics_port"),
		Host:              v.GetString("host"),
		LogDir:            v.GetString("log_dir"),
		DefaultBackend:    v.GetString("backend"),
		SubprocessCommand: v.GetString("subprocess_command"),
		SubprocessWorkDir: v.GetString("subprocess_workdir"),
		TickInterval:      v.GetDuration("tick_interval"),
		HeartbeatStale:    v.GetDuration("heartbeat_stale"),
		StartupGrace:      v.GetDuration("startup_grace"),
		DefaultStopGrace:  v.GetDuration("stop_grace"),
		ForceStopWait:     v.GetDuration("force_stop_wait"),
		OTELEndpoint:      v.GetString("otel_endpoint"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
	}

	switch cfg.DefaultBackend {
	case BackendSubprocess, BackendEmbedded, BackendContainer:
	default:
		return nil, fmt.Errorf("unknown backend %q (expected subprocess, embedded or container)", cfg.DefaultBackend)
	}

	return cfg, nil
}
