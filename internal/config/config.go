package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Report   ReportConfig   `yaml:"report"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowOrigins   []string      `yaml:"allow_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres | sqlite
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
	InsertBatchSize int           `yaml:"insert_batch_size"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
	Lease        time.Duration `yaml:"lease"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type ReportConfig struct {
	Sink        string   `yaml:"sink"` // csv | parquet | s3
	Dir         string   `yaml:"dir"`
	Compression string   `yaml:"compression"`
	Format      string   `yaml:"format"` // object format for the s3 sink: csv | parquet
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration usable for local development against a
// sqlite file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowOrigins:   []string{"http://localhost:3000"},
			MaxUploadBytes: 32 << 20,
			ShutdownGrace:  10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "reconciliation.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxTimeout:       30 * time.Second,
			InsertBatchSize: 500,
			SlowThreshold:   time.Second,
			AutoMigrate:     true,
		},
		Queue: QueueConfig{
			PollInterval: 2 * time.Second,
			Concurrency:  2,
			Lease:        5 * time.Minute,
			MaxAttempts:  5,
		},
		Report: ReportConfig{
			Sink:        "csv",
			Dir:         "Reports",
			Compression: "snappy",
			Format:      "csv",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_TX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.TxTimeout = d
		}
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("REPORT_SINK"); v != "" {
		cfg.Report.Sink = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Report.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Report.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Report.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Report.S3.SecretAccessKey = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if cfg.Database.TxTimeout <= 0 {
		return errors.New("database.tx_timeout must be greater than 0")
	}
	if cfg.Database.InsertBatchSize <= 0 {
		return errors.New("database.insert_batch_size must be greater than 0")
	}
	if cfg.Queue.Concurrency <= 0 {
		return errors.New("queue.concurrency must be greater than 0")
	}
	if cfg.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be greater than 0")
	}
	if cfg.Queue.Lease <= 0 {
		return errors.New("queue.lease must be greater than 0")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be greater than 0")
	}

	switch cfg.Report.Sink {
	case "csv", "parquet":
		if cfg.Report.Dir == "" {
			return fmt.Errorf("report.dir is required for the %s sink", cfg.Report.Sink)
		}
	case "s3":
		if cfg.Report.S3.Bucket == "" {
			return errors.New("report.s3.bucket is required when the s3 sink is used")
		}
		if cfg.Report.S3.Region == "" {
			return errors.New("report.s3.region is required when the s3 sink is used")
		}
		if cfg.Report.Format != "csv" && cfg.Report.Format != "parquet" {
			return fmt.Errorf("report.format %q is not supported", cfg.Report.Format)
		}
	default:
		return fmt.Errorf("report.sink %q is not supported", cfg.Report.Sink)
	}
	return nil
}
