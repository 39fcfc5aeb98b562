// Package config loads daemon configuration from the environment.
//
// Daemons are configured exclusively through environment variables; tests
// inject a lookup function instead of mutating the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role selects which validation rules apply.
type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleMigrate   Role = "migrate"
)

// Config carries everything the daemons read from the environment.
type Config struct {
	DatabaseURL string
	RedisURL    string

	LeaseSeconds      int
	WorkerID          string
	WorkerConcurrency int
	PollIntervalMS    int

	SchedulerLockName string

	LogLevel    string
	MetricsAddr string
	ToolCatalog string

	TraceExporter   string // "", "otlp", "zipkin"
	TraceEndpoint   string
	TraceSampleRate float64
}

// LookupFunc mirrors os.LookupEnv so tests can inject fixed environments.
type LookupFunc func(key string) (string, bool)

// Default returns the configuration before any environment overlay.
func Default() Config {
	return Config{
		LeaseSeconds:      60,
		WorkerConcurrency: 1,
		PollIntervalMS:    250,
		SchedulerLockName: "ordinaut-scheduler",
		LogLevel:          "info",
		TraceSampleRate:   1.0,
	}
}

// Load builds the configuration from defaults plus the environment.
// Passing no lookup uses the process environment.
func Load(lookups ...LookupFunc) (Config, error) {
	lookup := LookupFunc(os.LookupEnv)
	if len(lookups) > 0 && lookups[0] != nil {
		lookup = lookups[0]
	}

	cfg := Default()
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup LookupFunc) error {
	if value, ok := lookup("DATABASE_URL"); ok && value != "" {
		cfg.DatabaseURL = value
	}
	if value, ok := lookup("REDIS_URL"); ok && value != "" {
		cfg.RedisURL = value
	}
	if value, ok := lookup("LEASE_SECONDS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse LEASE_SECONDS: %w", err)
		}
		cfg.LeaseSeconds = parsed
	}
	if value, ok := lookup("WORKER_ID"); ok && value != "" {
		cfg.WorkerID = value
	}
	if value, ok := lookup("WORKER_CONCURRENCY"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = parsed
	}
	if value, ok := lookup("POLL_INTERVAL_MS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse POLL_INTERVAL_MS: %w", err)
		}
		cfg.PollIntervalMS = parsed
	}
	if value, ok := lookup("SCHEDULER_LOCK_NAME"); ok && value != "" {
		cfg.SchedulerLockName = value
	}
	if value, ok := lookup("LOG_LEVEL"); ok && value != "" {
		cfg.LogLevel = value
	}
	if value, ok := lookup("METRICS_ADDR"); ok && value != "" {
		cfg.MetricsAddr = value
	}
	if value, ok := lookup("TOOL_CATALOG"); ok && value != "" {
		cfg.ToolCatalog = value
	}
	if value, ok := lookup("TRACE_EXPORTER"); ok && value != "" {
		cfg.TraceExporter = value
	}
	if value, ok := lookup("TRACE_ENDPOINT"); ok && value != "" {
		cfg.TraceEndpoint = value
	}
	if value, ok := lookup("TRACE_SAMPLE_RATE"); ok && value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parse TRACE_SAMPLE_RATE: %w", err)
		}
		cfg.TraceSampleRate = parsed
	}
	return nil
}

// Validate checks the fields the given role needs at startup.
func (cfg Config) Validate(role Role) error {
	switch role {
	case RoleMigrate:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		return nil
	case RoleScheduler:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case RoleWorker:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if cfg.WorkerConcurrency < 1 {
			return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", cfg.WorkerConcurrency)
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if cfg.LeaseSeconds < 5 {
		return fmt.Errorf("LEASE_SECONDS must be >= 5, got %d", cfg.LeaseSeconds)
	}
	if cfg.TraceExporter != "" && cfg.TraceExporter != "otlp" && cfg.TraceExporter != "zipkin" {
		return fmt.Errorf("TRACE_EXPORTER must be otlp or zipkin, got %q", cfg.TraceExporter)
	}
	return nil
}

// LeaseDuration returns LEASE_SECONDS as a duration.
func (cfg Config) LeaseDuration() time.Duration {
	return time.Duration(cfg.LeaseSeconds) * time.Second
}

// PollInterval returns the idle-poll sleep, clamped to the 100-500ms
// band the worker loop is allowed to sleep when no work is ready.
func (cfg Config) PollInterval() time.Duration {
	ms := cfg.PollIntervalMS
	if ms < 100 {
		ms = 100
	}
	if ms > 500 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// defaultWorkerID builds a host-pid-random identity so concurrent workers
// on one host never collide.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
}
