// Package config provides configuration loading and management for the
// backgrounder worker. Configuration is read from a YAML file and then
// overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"backgrounder-go/internal/backoff"
	"backgrounder-go/internal/codec"
)

// BrokerKind selects the message transport.
type BrokerKind string

const (
	// BrokerMemory keeps messages in process. Useful for tests and development.
	BrokerMemory BrokerKind = "memory"
	// BrokerRedis uses Redis Streams.
	BrokerRedis BrokerKind = "redis"
	// BrokerKafka uses Kafka topics with a PostgreSQL delay store.
	BrokerKafka BrokerKind = "kafka"
)

// Delay stores available to the kafka broker.
const (
	DelayStorePostgres = "postgres"
	DelayStoreMemory   = "memory"
)

// IsValid returns true if the broker kind is known.
func (k BrokerKind) IsValid() bool {
	return k == BrokerMemory || k == BrokerRedis || k == BrokerKafka
}

// Config represents the complete application configuration.
type Config struct {
	Backgrounder BackgrounderConfig `yaml:"backgrounder"`
	Server       ServerConfig       `yaml:"server"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// BackgrounderConfig holds queue and retry settings.
type BackgrounderConfig struct {
	QueueName         string        `yaml:"queue_name" env:"BACKGROUNDER_QUEUE_NAME"`
	Broker            BrokerKind    `yaml:"broker" env:"BACKGROUNDER_BROKER"`
	Codec             string        `yaml:"codec" env:"BACKGROUNDER_CODEC"`
	Concurrency       int           `yaml:"concurrency" env:"BACKGROUNDER_CONCURRENCY"`
	BufferSize        int           `yaml:"buffer_size" env:"BACKGROUNDER_BUFFER_SIZE"`
	LockDuration      time.Duration `yaml:"lock_duration" env:"BACKGROUNDER_LOCK_DURATION"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"BACKGROUNDER_SHUTDOWN_TIMEOUT"`
	DrainPollInterval time.Duration `yaml:"drain_poll_interval" env:"BACKGROUNDER_DRAIN_POLL_INTERVAL"`
	RelayInterval     time.Duration `yaml:"relay_interval" env:"BACKGROUNDER_RELAY_INTERVAL"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig holds the retry policy applied to failed operations.
type RetryConfig struct {
	Kind        string        `yaml:"kind" env:"BACKGROUNDER_RETRY_KIND"`
	Delay       time.Duration `yaml:"delay" env:"BACKGROUNDER_RETRY_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"BACKGROUNDER_RETRY_MAX_DELAY"`
	MaxAttempts int           `yaml:"max_attempts" env:"BACKGROUNDER_RETRY_MAX_ATTEMPTS"`
	UseJitter   *bool         `yaml:"use_jitter" env:"BACKGROUNDER_RETRY_USE_JITTER"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Enabled      *bool         `yaml:"enabled" env:"SERVER_ENABLED"`
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic         string   `yaml:"topic" env:"KAFKA_TOPIC"`
	ConsumerGroup string   `yaml:"consumer_group" env:"KAFKA_CONSUMER_GROUP"`

	// DelayStore holds rescheduled messages: "postgres" or "memory".
	DelayStore string `yaml:"delay_store" env:"KAFKA_DELAY_STORE"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host" env:"POSTGRES_HOST"`
	Port         int    `yaml:"port" env:"POSTGRES_PORT"`
	User         string `yaml:"user" env:"POSTGRES_USER"`
	Password     string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database     string `yaml:"database" env:"POSTGRES_DB"`
	SSLMode      string `yaml:"ssl_mode" env:"POSTGRES_SSL_MODE"`
	MaxOpenConns int32  `yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns int32  `yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // "json" or "text"
}

// TracingConfig holds OpenTelemetry settings. Tracing is enabled when an
// exporter endpoint is set.
type TracingConfig struct {
	ExporterEndpoint string  `yaml:"exporter_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName      string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio      float64 `yaml:"sample_ratio" env:"OTEL_SAMPLING_RATE"`
}

// Enabled returns true if spans should be exported.
func (c *TracingConfig) Enabled() bool {
	return c.ExporterEndpoint != ""
}

// Load reads configuration from the specified YAML file path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes. Environment variables take
// precedence over values from the document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	b := &cfg.Backgrounder
	if b.QueueName == "" {
		b.QueueName = "backgrounder"
	}
	if b.Broker == "" {
		b.Broker = BrokerMemory
	}
	if b.Codec == "" {
		b.Codec = codec.NameMsgpack
	}
	if b.Concurrency == 0 {
		b.Concurrency = 10
	}
	if b.BufferSize == 0 {
		b.BufferSize = 1000
	}
	if b.LockDuration == 0 {
		b.LockDuration = 5 * time.Minute
	}
	if b.ShutdownTimeout == 0 {
		b.ShutdownTimeout = 5 * time.Minute
	}
	if b.DrainPollInterval == 0 {
		b.DrainPollInterval = 500 * time.Millisecond
	}
	if b.RelayInterval == 0 {
		b.RelayInterval = time.Second
	}

	// Retry defaults mirror a linear two second policy with ten attempts
	r := &b.Retry
	if r.Kind == "" {
		r.Kind = string(backoff.KindLinear)
	}
	if r.Delay == 0 {
		r.Delay = 2 * time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 10
	}
	if r.UseJitter == nil {
		jitter := true
		r.UseJitter = &jitter
	}

	// Server defaults
	if cfg.Server.Enabled == nil {
		enabled := true
		cfg.Server.Enabled = &enabled
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = b.QueueName
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = b.QueueName + "-workers"
	}
	if cfg.Kafka.DelayStore == "" {
		cfg.Kafka.DelayStore = DelayStorePostgres
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	// Tracing defaults
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "backgrounder"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Backgrounder.QueueName) == "" {
		errs = append(errs, errors.New("backgrounder.queue_name must not be empty"))
	}
	if !c.Backgrounder.Broker.IsValid() {
		errs = append(errs, fmt.Errorf("backgrounder.broker %q is not one of memory, redis, kafka", c.Backgrounder.Broker))
	}
	if _, err := codec.ByName(c.Backgrounder.Codec); err != nil {
		errs = append(errs, fmt.Errorf("backgrounder.codec: %w", err))
	}
	if c.Backgrounder.Concurrency < 1 {
		errs = append(errs, errors.New("backgrounder.concurrency must be at least 1"))
	}
	if c.Backgrounder.Broker == BrokerKafka {
		if ds := c.Kafka.DelayStore; ds != DelayStorePostgres && ds != DelayStoreMemory {
			errs = append(errs, fmt.Errorf("kafka.delay_store %q is not one of postgres, memory", ds))
		}
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("backgrounder.retry: %w", err))
	}

	return errors.Join(errs...)
}

// RetryPolicy converts the retry section into a backoff policy.
func (c *Config) RetryPolicy() (backoff.Policy, error) {
	r := c.Backgrounder.Retry
	kind, err := backoff.ParseKind(r.Kind)
	if err != nil {
		return backoff.Policy{}, err
	}

	p := backoff.Policy{
		Kind:        kind,
		BaseDelay:   r.Delay,
		MaxDelay:    r.MaxDelay,
		MaxAttempts: r.MaxAttempts,
		UseJitter:   r.UseJitter != nil && *r.UseJitter,
	}
	if err := p.Validate(); err != nil {
		return backoff.Policy{}, err
	}
	return p, nil
}

// ServerEnabled reports whether the admin API should be started.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection URL. Credentials are escaped, so
// empty or unusual passwords survive.
func (c *PostgresConfig) DSN() string {
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}).String()
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
