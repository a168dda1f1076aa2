package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for the assistant gateway.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Serving      ServingConfig      `yaml:"serving"`
	Database     DatabaseConfig     `yaml:"database"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// ServingConfig describes the model serving endpoint that answers chats.
type ServingConfig struct {
	// Host is the Databricks workspace URL.
	Host string `yaml:"host"`
	// EndpointName is the serving endpoint name; it also keys the
	// streaming-capability cache.
	EndpointName string `yaml:"endpoint_name"`
	// URL overrides the invocations URL derived from Host and EndpointName.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Timeout bounds non-streaming calls. Streams are not cut off.
	Timeout time.Duration `yaml:"timeout"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitial      time.Duration `yaml:"retry_initial"`
	RetryMax          time.Duration `yaml:"retry_max"`
	MaxTokens         int           `yaml:"max_tokens"`
	// DisableStreaming forces one-shot responses for every request.
	DisableStreaming bool `yaml:"disable_streaming"`
}

// InvocationsURL returns the URL chat requests are posted to.
func (s ServingConfig) InvocationsURL() string {
	if s.URL != "" {
		return s.URL
	}
	host := strings.TrimRight(s.Host, "/")
	if host != "" && !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return fmt.Sprintf("%s/serving-endpoints/%s/invocations", host, s.EndpointName)
}

type DatabaseConfig struct {
	// Driver is one of "memory", "postgres" or "sqlite".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CapabilitiesConfig configures the streaming-capability cache.
type CapabilitiesConfig struct {
	// Backend is "memory" or "redis".
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
	// PruneSchedule is a cron expression or descriptor such as "@every 10m".
	PruneSchedule string `yaml:"prune_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges and validates the configuration file at path. An empty
// path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills serving settings from the variables the Databricks app
// runtime injects when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Serving.Host == "" {
		cfg.Serving.Host = os.Getenv("DATABRICKS_HOST")
	}
	if cfg.Serving.Token == "" {
		cfg.Serving.Token = os.Getenv("DATABRICKS_TOKEN")
	}
	if cfg.Serving.EndpointName == "" {
		cfg.Serving.EndpointName = os.Getenv("SERVING_ENDPOINT_NAME")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Serving.Timeout == 0 {
		cfg.Serving.Timeout = 300 * time.Second
	}
	if cfg.Serving.RequestsPerSecond == 0 {
		cfg.Serving.RequestsPerSecond = 5
	}
	if cfg.Serving.Burst == 0 {
		cfg.Serving.Burst = 10
	}
	if cfg.Serving.MaxRetries == 0 {
		cfg.Serving.MaxRetries = 3
	}
	if cfg.Serving.RetryInitial == 0 {
		cfg.Serving.RetryInitial = 500 * time.Millisecond
	}
	if cfg.Serving.RetryMax == 0 {
		cfg.Serving.RetryMax = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Capabilities.Backend == "" {
		cfg.Capabilities.Backend = "memory"
	}
	if cfg.Capabilities.TTL == 0 {
		cfg.Capabilities.TTL = time.Hour
	}
	if cfg.Capabilities.PruneSchedule == "" {
		cfg.Capabilities.PruneSchedule = "@every 10m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var issues []string
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	if c.Serving.URL == "" && (c.Serving.Host == "" || c.Serving.EndpointName == "") {
		issues = append(issues, "serving.url or serving.host and serving.endpoint_name are required")
	}
	if c.Serving.RequestsPerSecond < 0 {
		issues = append(issues, "serving.requests_per_second must not be negative")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			issues = append(issues, fmt.Sprintf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q is not one of memory, postgres, sqlite", c.Database.Driver))
	}
	switch c.Capabilities.Backend {
	case "memory":
	case "redis":
		if c.Capabilities.RedisURL == "" {
			issues = append(issues, "capabilities.redis_url is required for the redis backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("capabilities.backend %q is not one of memory, redis", c.Capabilities.Backend))
	}
	if _, err := cron.ParseStandard(c.Capabilities.PruneSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("capabilities.prune_schedule: %v", err))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// IsValidationError reports whether err carries configuration issues.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
