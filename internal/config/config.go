package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sealstore/sealstore/internal/blob"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	DataDir    string `yaml:"data_dir" env:"DATA_DIR"` // local key and metadata store

	Blob     BlobConfig     `yaml:"blob"`
	Seal     SealConfig     `yaml:"seal"`
	Retry    RetryConfig    `yaml:"retry"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// PolicyFiles are glob patterns for storage policy files.
	PolicyFiles []string `yaml:"policy_files"`
}

// BlobConfig selects and configures the blob storage backend.
type BlobConfig struct {
	Backend string          `yaml:"backend" env:"BLOB_BACKEND"` // http, s3 or memory
	HTTP    blob.HTTPConfig `yaml:"http"`
	S3      blob.S3Config   `yaml:"s3"`

	// Fallback, when configured, is the alternate HTTP endpoint pair tried
	// once after RPC retries are exhausted.
	Fallback blob.HTTPConfig `yaml:"fallback"`

	// Epochs is the default storage retention requested per upload.
	Epochs int `yaml:"epochs" env:"BLOB_EPOCHS"`

	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig tunes the in-memory blob read cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" env:"BLOB_CACHE_ENABLED"`
	MaxSize  int64         `yaml:"max_size" env:"BLOB_CACHE_MAX_SIZE"`
	MaxItems int           `yaml:"max_items" env:"BLOB_CACHE_MAX_ITEMS"`
	TTL      time.Duration `yaml:"ttl" env:"BLOB_CACHE_TTL"`
}

// SealConfig tunes the storage pipelines.
type SealConfig struct {
	ChunkSize   int           `yaml:"chunk_size" env:"SEAL_CHUNK_SIZE"`
	MaxFileSize int64         `yaml:"max_file_size" env:"SEAL_MAX_FILE_SIZE"`
	BaseTimeout time.Duration `yaml:"base_timeout" env:"SEAL_BASE_TIMEOUT"`
}

// RetryConfig tunes the transfer retry policy.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER"`
}

// SecurityConfig tunes the background key security tasks.
type SecurityConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"SECURITY_CLEANUP_INTERVAL"`
	ScanInterval    time.Duration `yaml:"scan_interval" env:"SECURITY_SCAN_INTERVAL"`
	MaxKeyAgeDays   int           `yaml:"max_key_age_days" env:"SECURITY_MAX_KEY_AGE_DAYS"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`

	// RateLimit is the per-client request budget per RateLimitWindow.
	// Zero disables rate limiting.
	RateLimit       int           `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"SERVER_RATE_LIMIT_WINDOW"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	// AccessLogFormat selects the access log format: default, json or clf.
	AccessLogFormat string `yaml:"access_log_format" env:"LOG_ACCESS_FORMAT"`

	// RedactHeaders lists request headers replaced with [REDACTED] in
	// structured access logs.
	RedactHeaders []string `yaml:"redact_headers"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`

	// Exporter selects the span exporter: stdout, jaeger or otlp.
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`

	// RedactSensitive replaces query strings and sensitive headers with
	// [REDACTED] in span attributes.
	RedactSensitive bool `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		DataDir:    "./data",
		Blob: BlobConfig{
			Backend: "http",
			Epochs:  5,
			Cache: CacheConfig{
				MaxSize:  256 * 1024 * 1024,
				MaxItems: 1024,
				TTL:      15 * time.Minute,
			},
		},
		Seal: SealConfig{
			ChunkSize:   10 * 1024 * 1024,
			MaxFileSize: 1 << 30,
			BaseTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		Security: SecurityConfig{
			CleanupInterval: 5 * time.Minute,
			ScanInterval:    1 * time.Hour,
			MaxKeyAgeDays:   90,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			RateLimitWindow:   1 * time.Minute,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-seal-key"},
		},
		Tracing: TracingConfig{
			ServiceName:     "sealstore",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		config.DataDir = v
	}
	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		config.Blob.Backend = v
	}
	if v := os.Getenv("BLOB_PUBLISHER_URL"); v != "" {
		config.Blob.HTTP.PublisherURL = v
	}
	if v := os.Getenv("BLOB_AGGREGATOR_URL"); v != "" {
		config.Blob.HTTP.AggregatorURL = v
	}
	if v := os.Getenv("BLOB_FALLBACK_PUBLISHER_URL"); v != "" {
		config.Blob.Fallback.PublisherURL = v
	}
	if v := os.Getenv("BLOB_FALLBACK_AGGREGATOR_URL"); v != "" {
		config.Blob.Fallback.AggregatorURL = v
	}
	if v := os.Getenv("BLOB_S3_ENDPOINT"); v != "" {
		config.Blob.S3.Endpoint = v
	}
	if v := os.Getenv("BLOB_S3_REGION"); v != "" {
		config.Blob.S3.Region = v
	}
	if v := os.Getenv("BLOB_S3_BUCKET"); v != "" {
		config.Blob.S3.Bucket = v
	}
	if v := os.Getenv("BLOB_S3_ACCESS_KEY"); v != "" {
		config.Blob.S3.AccessKey = v
	}
	if v := os.Getenv("BLOB_S3_SECRET_KEY"); v != "" {
		config.Blob.S3.SecretKey = v
	}
	if v := os.Getenv("BLOB_CACHE_ENABLED"); v != "" {
		config.Blob.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BLOB_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Blob.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("BLOB_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Blob.Cache.TTL = d
		}
	}
	if v := os.Getenv("BLOB_EPOCHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Blob.Epochs = n
		}
	}
	if v := os.Getenv("SEAL_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Seal.ChunkSize = n
		}
	}
	if v := os.Getenv("SEAL_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Seal.MaxFileSize = n
		}
	}
	if v := os.Getenv("SEAL_BASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Seal.BaseTimeout = d
		}
	}
	if v := os.Getenv("RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Retry.InitialDelay = d
		}
	}
	if v := os.Getenv("RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Retry.MaxDelay = d
		}
	}
	if v := os.Getenv("RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1.0 {
			config.Retry.Multiplier = f
		}
	}
	if v := os.Getenv("SECURITY_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Security.CleanupInterval = d
		}
	}
	if v := os.Getenv("SECURITY_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Security.ScanInterval = d
		}
	}
	if v := os.Getenv("SECURITY_MAX_KEY_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Security.MaxKeyAgeDays = n
		}
	}
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.MaxEvents = n
		}
	}
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("SERVER_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Server.RateLimit = n
		}
	}
	if v := os.Getenv("SERVER_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.RateLimitWindow = d
		}
	}
	if v := os.Getenv("LOG_ACCESS_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Blob.Backend {
	case "http":
		if c.Blob.HTTP.PublisherURL == "" || c.Blob.HTTP.AggregatorURL == "" {
			return fmt.Errorf("blob.http.publisher_url and blob.http.aggregator_url are required for the http backend")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
		if c.Blob.S3.AccessKey == "" || c.Blob.S3.SecretKey == "" {
			return fmt.Errorf("blob.s3.access_key and blob.s3.secret_key are required for the s3 backend")
		}
	case "memory":
		// No settings; test and development use only.
	default:
		return fmt.Errorf("invalid blob.backend: %s (must be http, s3, or memory)", c.Blob.Backend)
	}

	if c.Blob.Cache.Enabled && (c.Blob.Cache.MaxSize <= 0 || c.Blob.Cache.MaxItems <= 0) {
		return fmt.Errorf("blob.cache max_size and max_items must be positive when the cache is enabled")
	}

	// A fallback endpoint pair must be complete or absent.
	if (c.Blob.Fallback.PublisherURL == "") != (c.Blob.Fallback.AggregatorURL == "") {
		return fmt.Errorf("blob.fallback requires both publisher_url and aggregator_url")
	}

	if c.Seal.ChunkSize <= 0 {
		return fmt.Errorf("seal.chunk_size must be positive")
	}
	if c.Seal.MaxFileSize <= 0 {
		return fmt.Errorf("seal.max_file_size must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must be positive with max_delay >= initial_delay")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be at least 1.0")
	}

	if c.Security.MaxKeyAgeDays <= 0 {
		return fmt.Errorf("security.max_key_age_days must be positive")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("server.rate_limit_window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		switch c.Tracing.Exporter {
		case "stdout", "jaeger", "otlp":
		default:
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required for the jaeger exporter")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required for the otlp exporter")
		}
	}

	return nil
}
