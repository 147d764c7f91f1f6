package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Redis          RedisConfig          `yaml:"redis"`
	NATS           NATSConfig           `yaml:"nats"`
	Bidding        BiddingConfig        `yaml:"bidding"`
	Settlement     SettlementConfig     `yaml:"settlement"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "sqlite"
	// Path is the sqlite database file. ":memory:" keeps the ledger in RAM.
	Path string `yaml:"path"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
	// Identity overrides the lease holder name, which otherwise comes from
	// POD_NAME or the hostname.
	Identity string `yaml:"identity"`
}

// RedisConfig holds the live bid feed settings. An empty Addr disables it.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// NATSConfig holds the JetStream settings. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// BiddingConfig tunes the optimistic concurrency retry of bid placement.
type BiddingConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SettlementConfig controls the post-close dispatcher.
type SettlementConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
			Path:    "auctionhouse.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctionhouse",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctionhouse-settlement",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Redis: RedisConfig{
			ChannelPrefix: "auction_events",
		},
		NATS: NATSConfig{
			Stream:        "AUCTION_EVENTS",
			SubjectPrefix: "auction.events",
			MaxAge:        72 * time.Hour,
		},
		Bidding: BiddingConfig{
			MaxAttempts:  3,
			RetryBackoff: 10 * time.Millisecond,
		},
		Settlement: SettlementConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
			BatchSize:    100,
		},
	}
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("sqlite driver requires database.path")
		}
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"sqlite\"", c.Database.Driver)
	}
	if c.Bidding.MaxAttempts < 1 {
		return fmt.Errorf("bidding.max_attempts must be at least 1, got %d", c.Bidding.MaxAttempts)
	}
	if c.Settlement.Enabled && c.Settlement.PollInterval <= 0 {
		return errors.New("settlement.poll_interval must be positive")
	}
	if c.Settlement.BatchSize < 1 {
		return fmt.Errorf("settlement.batch_size must be at least 1, got %d", c.Settlement.BatchSize)
	}
	return nil
}
