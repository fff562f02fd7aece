package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Ports      PortsConfig
	Hypervisor HypervisorConfig
	Queue      QueueConfig
	Retry      RetryConfig
	Catalog    CatalogConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Driver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DB_DSN" default:"stevedore.db"`
}

// PortsConfig holds the public and internal allocation ranges.
// The ranges are independent and must not overlap.
type PortsConfig struct {
	PublicMin   int `envconfig:"PORTS_PUBLIC_MIN" default:"8100"`
	PublicMax   int `envconfig:"PORTS_PUBLIC_MAX" default:"8999"`
	InternalMin int `envconfig:"PORTS_INTERNAL_MIN" default:"9100"`
	InternalMax int `envconfig:"PORTS_INTERNAL_MAX" default:"9999"`
}

// HypervisorConfig holds the hypervisor management API configuration.
type HypervisorConfig struct {
	Driver      string        `envconfig:"HYPERVISOR_DRIVER" default:"pve"`
	Address     string        `envconfig:"HYPERVISOR_ADDR" default:"https://localhost:8006"`
	TokenID     string        `envconfig:"HYPERVISOR_TOKEN_ID" default:""`
	TokenSecret string        `envconfig:"HYPERVISOR_TOKEN_SECRET" default:""`
	DefaultNode string        `envconfig:"HYPERVISOR_NODE" default:"pve"`
	Hosts       []string      `envconfig:"HYPERVISOR_HOSTS" default:"pve"`
	InsecureTLS bool          `envconfig:"HYPERVISOR_INSECURE_TLS" default:"false"`
	CallTimeout time.Duration `envconfig:"HYPERVISOR_CALL_TIMEOUT" default:"30s"`
}

// QueueConfig holds task queue and worker pool configuration.
type QueueConfig struct {
	Workers      int           `envconfig:"QUEUE_WORKERS" default:"4"`
	PollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"500ms"`
	LeaseTimeout time.Duration `envconfig:"QUEUE_LEASE_TIMEOUT" default:"120s"`
}

// RetryConfig holds the bounded-retry policy for transient hypervisor failures.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
}

// CatalogConfig holds catalog template configuration.
type CatalogConfig struct {
	Dir string `envconfig:"CATALOG_DIR" default:"./catalog"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "stevedore.db",
		},
		Ports: PortsConfig{
			PublicMin:   8100,
			PublicMax:   8999,
			InternalMin: 9100,
			InternalMax: 9999,
		},
		Hypervisor: HypervisorConfig{
			Driver:      "pve",
			Address:     "https://localhost:8006",
			DefaultNode: "pve",
			Hosts:       []string{"pve"},
			CallTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: 500 * time.Millisecond,
			LeaseTimeout: 120 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Catalog: CatalogConfig{
			Dir: "./catalog",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate enforces cross-field invariants that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Ports.PublicMin > c.Ports.PublicMax {
		return fmt.Errorf("invalid public port range %d-%d", c.Ports.PublicMin, c.Ports.PublicMax)
	}
	if c.Ports.InternalMin > c.Ports.InternalMax {
		return fmt.Errorf("invalid internal port range %d-%d", c.Ports.InternalMin, c.Ports.InternalMax)
	}
	if c.Ports.PublicMin <= c.Ports.InternalMax && c.Ports.InternalMin <= c.Ports.PublicMax {
		return fmt.Errorf("public range %d-%d overlaps internal range %d-%d",
			c.Ports.PublicMin, c.Ports.PublicMax, c.Ports.InternalMin, c.Ports.InternalMax)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be >= 1, got %d", c.Queue.Workers)
	}
	// A hung hypervisor call must be recovered by lease expiry and
	// redelivery, so the per-call timeout has to expire first.
	if c.Hypervisor.CallTimeout >= c.Queue.LeaseTimeout {
		return fmt.Errorf("hypervisor call timeout %s must be shorter than queue lease timeout %s",
			c.Hypervisor.CallTimeout, c.Queue.LeaseTimeout)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if len(c.Hypervisor.Hosts) == 0 {
		return fmt.Errorf("at least one hypervisor host is required")
	}
	return nil
}
