package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rl1809/site-ledger/internal/observability"
)

// Config is the top-level ledger.yaml configuration.
type Config struct {
	Server   ServerConfig                `yaml:"server"`
	Database DatabaseConfig              `yaml:"database"`
	Redis    RedisConfig                 `yaml:"redis"`
	Ledger   LedgerConfig                `yaml:"ledger"`
	Consumer ConsumerConfig              `yaml:"consumer"`
	Log      LogConfig                   `yaml:"log"`
	Tracing  observability.TracingConfig `yaml:"tracing"`
	Catalog  []CatalogResource           `yaml:"catalog,omitempty"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // mysql, sqlite3 or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig is optional; an empty Addr runs the consumer on polling alone.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LedgerConfig struct {
	ConflictRetries int `yaml:"conflict_retries"`
}

type ConsumerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Name         string        `yaml:"name"`
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

type LogConfig struct {
	Mode string `yaml:"mode"` // dev or prod
}

// CatalogResource is a static catalog entry. When the list is empty resource
// ids are taken as given.
type CatalogResource struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Unit    string   `yaml:"unit"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Default returns a Config that runs against a local MySQL and Redis.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			DSN:             "root:root@tcp(localhost:3306)/ledger?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 100,
		},
		Ledger: LedgerConfig{
			ConflictRetries: 3,
		},
		Consumer: ConsumerConfig{
			Enabled:      true,
			Name:         "ledger",
			Workers:      4,
			BatchSize:    50,
			PollInterval: time.Second,
			MaxAttempts:  10,
			BackoffMin:   time.Second,
			BackoffMax:   5 * time.Minute,
			LeaseTTL:     30 * time.Second,
		},
		Log: LogConfig{
			Mode: "prod",
		},
		Tracing: observability.TracingConfig{
			ServiceName: "site-ledger",
			Exporter:    "none",
			SampleRatio: 1,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LEDGER_DB_DRIVER":  &c.Database.Driver,
		"LEDGER_DB_DSN":     &c.Database.DSN,
		"LEDGER_REDIS_ADDR": &c.Redis.Addr,
		"LEDGER_HTTP_ADDR":  &c.Server.HTTPAddr,
		"LEDGER_GRPC_ADDR":  &c.Server.GRPCAddr,
		"LEDGER_LOG_MODE":   &c.Log.Mode,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("LEDGER_CONSUMER_WORKERS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LEDGER_CONSUMER_WORKERS: %w", err)
		}
		c.Consumer.Workers = n
	}
	return nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("database.driver: unsupported %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Log.Mode {
	case "dev", "prod":
	default:
		return fmt.Errorf("log.mode: want dev or prod, got %q", c.Log.Mode)
	}
	if c.Ledger.ConflictRetries < 1 {
		return fmt.Errorf("ledger.conflict_retries must be at least 1")
	}
	if c.Consumer.Workers < 1 || c.Consumer.BatchSize < 1 {
		return fmt.Errorf("consumer.workers and consumer.batch_size must be positive")
	}
	if c.Consumer.BackoffMax < c.Consumer.BackoffMin {
		return fmt.Errorf("consumer.backoff_max is below backoff_min")
	}
	seen := make(map[string]bool, len(c.Catalog))
	for _, r := range c.Catalog {
		if r.ID == "" {
			return fmt.Errorf("catalog: resource without id")
		}
		if seen[r.ID] {
			return fmt.Errorf("catalog: duplicate resource %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
