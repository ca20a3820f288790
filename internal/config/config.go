package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// State backends for build checkpoints.
const (
	StateBackendSQLite = "sqlite"
	StateBackendFile   = "file"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:"127.0.0.1:8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // api-key or none
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"50"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"100"`
	MgmtTLSCert        string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string `envconfig:"MGMT_TLS_KEY"`

	// Storage
	DBPath              string `envconfig:"DB_PATH" default:"storyforge.db"`
	StateBackend        string `envconfig:"STATE_BACKEND" default:"sqlite"`
	ProcessHistoryLimit int    `envconfig:"PROCESS_HISTORY_LIMIT" default:"500"`
	SaveRetries         int    `envconfig:"SAVE_RETRIES" default:"3"`

	// Agents
	AgentsFile        string        `envconfig:"AGENTS_FILE"`
	DefaultAgent      string        `envconfig:"DEFAULT_AGENT" default:"claude-code"`
	KillTimeout       time.Duration `envconfig:"KILL_TIMEOUT" default:"5s"`
	PausePollInterval time.Duration `envconfig:"PAUSE_POLL_INTERVAL" default:"500ms"`
	RepoCacheSize     int           `envconfig:"REPO_CACHE_SIZE" default:"16"`

	// Retention
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	AuditRetention   time.Duration `envconfig:"AUDIT_RETENTION" default:"2160h"`
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	if c.MgmtCORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.MgmtCORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	switch c.MgmtAuthMode {
	case "api-key":
		if c.MgmtAPIKey == "" {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key")
		}
	case "none":
	default:
		return fmt.Errorf("invalid MGMT_AUTH_MODE %q (want api-key or none)", c.MgmtAuthMode)
	}

	switch c.StateBackend {
	case StateBackendSQLite, StateBackendFile:
	default:
		return fmt.Errorf("invalid STATE_BACKEND %q (want %s or %s)", c.StateBackend, StateBackendSQLite, StateBackendFile)
	}

	if (c.MgmtTLSCert == "") != (c.MgmtTLSKey == "") {
		return fmt.Errorf("MGMT_TLS_CERT and MGMT_TLS_KEY must be set together")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.ProcessHistoryLimit < 1 {
		return fmt.Errorf("PROCESS_HISTORY_LIMIT must be positive, got %d", c.ProcessHistoryLimit)
	}
	if c.SaveRetries < 1 {
		return fmt.Errorf("SAVE_RETRIES must be positive, got %d", c.SaveRetries)
	}
	if c.KillTimeout <= 0 {
		return fmt.Errorf("KILL_TIMEOUT must be positive, got %s", c.KillTimeout)
	}
	if c.PausePollInterval <= 0 {
		return fmt.Errorf("PAUSE_POLL_INTERVAL must be positive, got %s", c.PausePollInterval)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
