// Package config loads service configuration from a YAML file with
// environment variable overrides. Secrets live in env vars (or a local
// .env file); the YAML carries tunables safe to commit.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SendGrid  SendGridConfig  `yaml:"sendgrid"`
	Google    OAuthAppConfig  `yaml:"google"`
	Microsoft OAuthAppConfig  `yaml:"microsoft"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Links     LinkConfig      `yaml:"links"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
	BaseURL string `yaml:"base_url"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis cache settings.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SendGridConfig holds outbound mail provider settings.
type SendGridConfig struct {
	APIKey         string `yaml:"api_key"`
	ValidationKey  string `yaml:"validation_key"`
	ForwardFrom    string `yaml:"forward_from"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SendGridConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DryRun reports whether sends should be simulated (no API key present).
func (c SendGridConfig) DryRun() bool { return c.APIKey == "" }

// OAuthAppConfig holds one OAuth provider's app credentials.
type OAuthAppConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"` // Microsoft only
}

// TokenConfig holds token-at-rest encryption settings.
type TokenConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 64 hex chars = 32 bytes
}

// LinkConfig holds externally visible URLs.
type LinkConfig struct {
	FrontendURL    string `yaml:"frontend_url"`
	UnsubscribeURL string `yaml:"unsubscribe_url"`
	DefaultDomain  string `yaml:"default_domain"` // fallback sender domain for replies@
}

// SchedulerConfig holds worker cadence and batch tunables.
type SchedulerConfig struct {
	RefreshIntervalMinutes  int `yaml:"refresh_interval_minutes"`
	VerifyIntervalMinutes   int `yaml:"verify_interval_minutes"`
	DispatchIntervalSeconds int `yaml:"dispatch_interval_seconds"`
	DispatchBatchSize       int `yaml:"dispatch_batch_size"`
	VerifyBatchSize         int `yaml:"verify_batch_size"`
}

// RefreshInterval returns the refresher cadence as a duration.
func (c SchedulerConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// VerifyInterval returns the verifier cadence as a duration.
func (c SchedulerConfig) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalMinutes) * time.Minute
}

// DispatchInterval returns the dispatcher cadence as a duration.
func (c SchedulerConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file. A missing file yields a
// default config so env-only deployments (ECS, edge) work without YAML.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SendGrid.BaseURL == "" {
		cfg.SendGrid.BaseURL = "https://api.sendgrid.com/v3"
	}
	if cfg.SendGrid.TimeoutSeconds == 0 {
		cfg.SendGrid.TimeoutSeconds = 30
	}
	if cfg.SendGrid.ForwardFrom == "" {
		cfg.SendGrid.ForwardFrom = "replies@notifications.insurgrid.com"
	}
	if cfg.Links.DefaultDomain == "" {
		cfg.Links.DefaultDomain = "notifications.insurgrid.com"
	}
	if cfg.Scheduler.RefreshIntervalMinutes == 0 {
		cfg.Scheduler.RefreshIntervalMinutes = 60
	}
	if cfg.Scheduler.VerifyIntervalMinutes == 0 {
		cfg.Scheduler.VerifyIntervalMinutes = 10
	}
	if cfg.Scheduler.DispatchIntervalSeconds == 0 {
		cfg.Scheduler.DispatchIntervalSeconds = 60
	}
	if cfg.Scheduler.DispatchBatchSize == 0 {
		cfg.Scheduler.DispatchBatchSize = 50
	}
	if cfg.Scheduler.VerifyBatchSize == 0 {
		cfg.Scheduler.VerifyBatchSize = 100
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SUPABASE_DB_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.SendGrid.APIKey = v
	}
	if v := os.Getenv("SENDGRID_VALIDATION_KEY"); v != "" {
		cfg.SendGrid.ValidationKey = v
	}
	if v := os.Getenv("SENDGRID_FORWARD_FROM"); v != "" {
		cfg.SendGrid.ForwardFrom = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_ID"); v != "" {
		cfg.Microsoft.ClientID = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_SECRET"); v != "" {
		cfg.Microsoft.ClientSecret = v
	}
	if v := os.Getenv("MICROSOFT_TENANT_ID"); v != "" {
		cfg.Microsoft.TenantID = v
	}
	if v := os.Getenv("TOKEN_ENCRYPTION_KEY"); v != "" {
		cfg.Tokens.EncryptionKey = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.Links.FrontendURL = v
	}
	if v := os.Getenv("UNSUBSCRIBE_URL"); v != "" {
		cfg.Links.UnsubscribeURL = v
	}
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}

	return cfg, nil
}
