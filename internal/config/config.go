package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Partition PartitionConfig `yaml:"partition"`
	Queue     QueueConfig     `yaml:"queue"`
	Importer  ImporterConfig  `yaml:"importer"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
}

// ThrottleConfig holds per-domain send budget settings
type ThrottleConfig struct {
	// HourlyDomainBudget caps sends per route and recipient domain per
	// hour. Zero disables throttling.
	HourlyDomainBudget int `yaml:"hourly_domain_budget"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the task broker connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the transfer bucket settings. Import sources,
// scattered import blocks and export artifacts all live under this bucket.
type StorageConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// PartitionConfig holds tenant partitioning settings
type PartitionConfig struct {
	// HashLimitCap is the ceiling on per-tenant partition counts.
	HashLimitCap int `yaml:"hashlimit_cap"`
	// SmallTenantThreshold is the total membership count at or below which
	// a tenant is treated as a single partition.
	SmallTenantThreshold int `yaml:"small_tenant_threshold"`
}

// QueueConfig holds worker pool settings
type QueueConfig struct {
	Concurrency    int `yaml:"concurrency"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// PollInterval returns the queue poll interval as a duration
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ImporterConfig holds mutation pipeline settings
type ImporterConfig struct {
	RowsPerBlock     int `yaml:"rows_per_block"`
	DeadlockRetries  int `yaml:"deadlock_retries"`
	MaxAddressLength int `yaml:"max_address_length"`
}

// RefreshConfig holds periodic maintenance settings
type RefreshConfig struct {
	SegmentCountMinutes int `yaml:"segment_count_minutes"`
	ActiveCountHours    int `yaml:"active_count_hours"`
	StaleJobHours       int `yaml:"stale_job_hours"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
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
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Partition.HashLimitCap == 0 {
		cfg.Partition.HashLimitCap = 128
	}
	if cfg.Partition.SmallTenantThreshold == 0 {
		cfg.Partition.SmallTenantThreshold = 10000
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 8
	}
	if cfg.Queue.PollIntervalMS == 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	if cfg.Importer.RowsPerBlock == 0 {
		cfg.Importer.RowsPerBlock = 500
	}
	if cfg.Importer.DeadlockRetries == 0 {
		cfg.Importer.DeadlockRetries = 5
	}
	if cfg.Importer.MaxAddressLength == 0 {
		cfg.Importer.MaxAddressLength = 254
	}
	if cfg.Refresh.SegmentCountMinutes == 0 {
		cfg.Refresh.SegmentCountMinutes = 30
	}
	if cfg.Refresh.ActiveCountHours == 0 {
		cfg.Refresh.ActiveCountHours = 24
	}
	if cfg.Refresh.StaleJobHours == 0 {
		cfg.Refresh.StaleJobHours = 48
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if bucket := os.Getenv("TRANSFER_S3_BUCKET"); bucket != "" {
		cfg.Storage.S3Bucket = bucket
	}
	if region := os.Getenv("TRANSFER_S3_REGION"); region != "" {
		cfg.Storage.AWSRegion = region
	}
	if v := os.Getenv("HASHLIMIT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Partition.HashLimitCap = n
		}
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Concurrency = n
		}
	}

	return cfg, nil
}
