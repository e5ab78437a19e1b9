package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "TRIAL"

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Sync     SyncConfig     `yaml:"sync" envconfig:"SYNC"`
	Sheets   SheetsConfig   `yaml:"sheets" envconfig:"SHEETS"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

// DatabaseConfig selects the storage engine. TenantDSN is a template with a
// single %s verb that receives the client id.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" envconfig:"DRIVER"`
	DSN          string `yaml:"dsn" envconfig:"DSN"`
	TenantDSN    string `yaml:"tenant_dsn" envconfig:"TENANT_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL      time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	AdminUsername string        `yaml:"admin_username" envconfig:"ADMIN_USERNAME"`
	AdminPassword string        `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// SyncConfig tunes offline queue redelivery. A zero RedeliveryRate disables pacing.
type SyncConfig struct {
	RedeliveryRate  float64 `yaml:"redelivery_rate" envconfig:"REDELIVERY_RATE"`
	RedeliveryBurst int     `yaml:"redelivery_burst" envconfig:"REDELIVERY_BURST"`
	QueueWorkers    int     `yaml:"queue_workers" envconfig:"QUEUE_WORKERS"`
}

type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Path    string `yaml:"path" envconfig:"PATH"`
}

// Load reads the optional YAML file at path and then applies environment
// variables on top of it. Environment values win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// No struct carries envconfig default tags: a default tag would clobber
	// values the file already set.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when neither file nor env set a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "data/trial.db",
			TenantDSN:    "data/tenants/%s.db",
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			TokenTTL:      24 * time.Hour,
			AdminUsername: "admin",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/trial.log",
		},
		Sync: SyncConfig{
			RedeliveryRate:  20,
			RedeliveryBurst: 5,
			QueueWorkers:    4,
		},
		Sheets: SheetsConfig{
			SheetName: "Licenses",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}
	if c.Sheets.Enabled && (c.Sheets.CredentialsFile == "" || c.Sheets.SpreadsheetID == "") {
		return fmt.Errorf("sheets mirror needs credentials_file and spreadsheet_id")
	}
	if c.Sync.QueueWorkers < 1 {
		return fmt.Errorf("sync queue_workers must be positive")
	}
	return nil
}
