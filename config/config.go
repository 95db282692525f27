package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ObjectStoreConfig selects and configures the object-store backend.
type ObjectStoreConfig struct {
	Backend    string                `yaml:"backend"` // "memory", "filesystem" or "s3"
	Filesystem FilesystemStoreConfig `yaml:"filesystem"`
	S3         S3StoreConfig         `yaml:"s3"`
}

// FilesystemStoreConfig holds settings for the local-directory backend.
type FilesystemStoreConfig struct {
	Dir string `yaml:"dir"`
}

// S3StoreConfig holds settings for the S3-compatible backend.
type S3StoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CatalogConfig selects and configures the catalog backend.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // "memory" or "badger"
	Dir     string `yaml:"dir"`     // data directory for the badger backend
}

// CompactionConfig holds compaction-specific configurations. Generation
// durations are strings so day/year-scaled values ("7d", "1y") can be
// expressed; they are validated by the generations package at startup.
type CompactionConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Interval              string `yaml:"interval"`
	MaxCompactionFiles    int    `yaml:"max_compaction_files"`
	MinFilesForCompaction int    `yaml:"min_files_for_compaction"`
	Gen1Duration          string `yaml:"gen1_duration"`
	Gen2Duration          string `yaml:"gen2_duration"`
	Gen3Duration          string `yaml:"gen3_duration"`
	Gen4Duration          string `yaml:"gen4_duration"`
	Gen5Duration          string `yaml:"gen5_duration"`
	SafetyMargin          string `yaml:"safety_margin"`
	TombstoneGracePeriod  string `yaml:"tombstone_grace_period"`
	MaxConcurrentJobs     int    `yaml:"max_concurrent_jobs"`
	DrainTimeout          string `yaml:"drain_timeout"`
	TargetRowGroupRows    int    `yaml:"target_rowgroup_rows"`
	TargetFileSizeBytes   int64  `yaml:"target_file_size_bytes"`
	Compression           string `yaml:"compression"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		ObjectStore: ObjectStoreConfig{
			Backend: "filesystem",
			Filesystem: FilesystemStoreConfig{
				Dir: "./data/objects",
			},
			S3: S3StoreConfig{
				Region: "us-east-1",
				UseSSL: true,
			},
		},
		Catalog: CatalogConfig{
			Backend: "badger",
			Dir:     "./data/catalog",
		},
		Compaction: CompactionConfig{
			Enabled:               true,
			Interval:              "1h",
			MaxCompactionFiles:    100,
			MinFilesForCompaction: 10,
			Gen1Duration:          "1h",
			Gen2Duration:          "",
			Gen3Duration:          "",
			Gen4Duration:          "",
			Gen5Duration:          "",
			SafetyMargin:          "5m",
			TombstoneGracePeriod:  "15m",
			MaxConcurrentJobs:     4,
			DrainTimeout:          "30s",
			TargetRowGroupRows:    8192,
			TargetFileSizeBytes:   256 * 1024 * 1024, // 256 MiB
			Compression:           "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "strata.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
