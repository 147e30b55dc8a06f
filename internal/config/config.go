// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Cases         CasesConfig         `yaml:"cases"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes supervisor JWT settings. When Enabled is false
// the approve and reject routes accept unauthenticated callers.
type IdentityConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`

	// SupervisorRole, when set, must appear in the token's roles claim.
	SupervisorRole string `yaml:"supervisor_role"`
}

// CircuitBreakerConfig describes circuit breaker settings for an outbound
// collaborator.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes activity dispatch retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store           StoreConfig   `yaml:"store"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	Workers         int           `yaml:"workers"`
	Retry           RetryConfig   `yaml:"retry"`
}

// CasesConfig describes the case store.
type CasesConfig struct {
	Store StoreConfig `yaml:"store"`
}

// StoreConfig describes a persistence backend. DSNEnv names the environment
// variable holding the connection string so secrets stay out of the file.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN resolves the connection string from the environment.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotifyConfig describes the bot notification endpoint.
type NotifyConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Exporter             string  `yaml:"exporter"`
	Endpoint             string  `yaml:"endpoint"`
	SamplingRate         float64 `yaml:"sampling_rate"`
	AlwaysSampleWorkflow bool    `yaml:"always_sample_workflow"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Workflow: WorkflowConfig{
			Store: StoreConfig{
				Driver:          DriverMemory,
				DSNEnv:          "APPROVALD_WORKFLOW_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			TickInterval:    5 * time.Second,
			LeaseTTL:        30 * time.Second,
			ApprovalTimeout: 7 * 24 * time.Hour,
			Workers:         4,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Cases: CasesConfig{
			Store: StoreConfig{
				Driver: DriverMemory,
				DSNEnv: "APPROVALD_CASES_DSN",
				Path:   "data/cases.db",
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "APPROVALD_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notify: NotifyConfig{
			Enabled: true,
			URL:     "http://localhost:3979/api/notify",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:             "otlp",
				SamplingRate:         0.1,
				AlwaysSampleWorkflow: true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Supervisor tokens are verified against RSA keys only.
var rsaAlgorithms = map[string]bool{"RS256": true, "RS384": true, "RS512": true}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
		if len(c.Identity.Algorithms) == 0 {
			errs = append(errs, "identity.algorithms is required")
		}
		for _, alg := range c.Identity.Algorithms {
			if !rsaAlgorithms[alg] {
				errs = append(errs, fmt.Sprintf("identity.algorithms: %q is not an RSA signing algorithm", alg))
			}
		}
	}

	switch c.Workflow.Store.Driver {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported", c.Workflow.Store.Driver))
	}
	switch c.Cases.Store.Driver {
	case DriverMemory, DriverPostgres:
	case DriverSQLite:
		if c.Cases.Store.Path == "" {
			errs = append(errs, "cases.store.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("cases.store.driver %q is not supported", c.Cases.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case DriverMemory, DriverRedis:
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
		}
	}

	if c.Workflow.TickInterval <= 0 {
		errs = append(errs, "workflow.tick_interval must be positive")
	}
	if c.Workflow.ApprovalTimeout <= 0 {
		errs = append(errs, "workflow.approval_timeout must be positive")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		errs = append(errs, "notify.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVALD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVALD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVALD_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("APPROVALD_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("APPROVALD_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("APPROVALD_IDENTITY_SUPERVISOR_ROLE"); v != "" {
		cfg.Identity.SupervisorRole = v
	}
	if v := os.Getenv("APPROVALD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("APPROVALD_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("APPROVALD_CASES_STORE_DRIVER"); v != "" {
		cfg.Cases.Store.Driver = v
	}
	if v := os.Getenv("APPROVALD_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("BOT_NOTIFY_URL"); v != "" {
		cfg.Notify.URL = v
	}
}
