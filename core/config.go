package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration surface. Values are resolved
// with explicit-override precedence: defaults, then an optional YAML file,
// then environment variables.
type Config struct {
	// ServiceName identifies the process in logs and telemetry.
	ServiceName string `yaml:"service_name"`

	// EncryptionKey is the 32-byte key (hex or base64) for webhook secret
	// encryption. Resolved once at init; rotation is out of scope.
	EncryptionKey string `yaml:"encryption_key"`

	// RedisURL backs pub/sub broadcast, payload cache, rate limiting and
	// the delivery queue.
	RedisURL string `yaml:"redis_url"`

	// DatabaseURL is the Postgres DSN for all persistent stores.
	DatabaseURL string `yaml:"database_url"`

	// TracingSampleRate is the base sampling probability (0..1) for
	// non-critical spans. Default: 0.1.
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	// OTLPEndpoint is the collector address for trace export. Empty means
	// stdout export (development).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// LogLevel is the minimum log level. Default: INFO.
	LogLevel string `yaml:"log_level"`

	// LogRatePerSecond caps non-error log throughput. Default: 1000.
	LogRatePerSecond int `yaml:"log_rate_per_second"`

	// PlatformDomains are the platform's own registered domains; outbound
	// webhook URLs targeting them are rejected by the URL guard.
	PlatformDomains []string `yaml:"platform_domains"`

	// DeliveryConcurrency is the outbound delivery worker count. Default: 8.
	DeliveryConcurrency int `yaml:"delivery_concurrency"`

	// PollInterval is the event bus poller cadence. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HTTPAddr is the inbound listener address. Default: ":8080".
	HTTPAddr string `yaml:"http_addr"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:         "flowhook",
		TracingSampleRate:   0.1,
		LogLevel:            LevelInfo,
		LogRatePerSecond:    1000,
		DeliveryConcurrency: 8,
		PollInterval:        5 * time.Second,
		HTTPAddr:            ":8080",
	}
}

// LoadConfig resolves configuration from defaults, the optional YAML file
// at configPath (empty string skips it), and environment variables, in
// that order.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, ErrInvalidConfiguration)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWHOOK_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("FLOWHOOK_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("FLOWHOOK_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("FLOWHOOK_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("FLOWHOOK_TRACING_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.TracingSampleRate = rate
		}
	}
	if v := os.Getenv("FLOWHOOK_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("FLOWHOOK_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("FLOWHOOK_LOG_RATE_LIMIT_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LogRatePerSecond = n
		}
	}
	if v := os.Getenv("FLOWHOOK_PLATFORM_DOMAINS"); v != "" {
		parts := strings.Split(v, ",")
		domains := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				domains = append(domains, p)
			}
		}
		c.PlatformDomains = domains
	}
	if v := os.Getenv("FLOWHOOK_DELIVERY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DeliveryConcurrency = n
		}
	}
	if v := os.Getenv("FLOWHOOK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("FLOWHOOK_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("FLOWHOOK_ENCRYPTION_KEY is required: %w", ErrMissingConfiguration)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be within [0,1], got %f: %w",
			c.TracingSampleRate, ErrInvalidConfiguration)
	}
	if c.LogRatePerSecond <= 0 {
		return fmt.Errorf("log rate limit must be positive, got %d: %w",
			c.LogRatePerSecond, ErrInvalidConfiguration)
	}
	if c.DeliveryConcurrency <= 0 {
		return fmt.Errorf("delivery concurrency must be positive, got %d: %w",
			c.DeliveryConcurrency, ErrInvalidConfiguration)
	}
	if _, ok := levelRank[strings.ToUpper(c.LogLevel)]; !ok {
		return fmt.Errorf("unknown log level %q: %w", c.LogLevel, ErrInvalidConfiguration)
	}
	return nil
}
