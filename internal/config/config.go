// Package config loads pupledger settings from a YAML file and PUPLEDGER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/getpup/pupledger/es/ledger"
	"github.com/getpup/pupledger/es/migrations"
	"github.com/getpup/pupledger/es/projection"
	"github.com/getpup/pupledger/es/relay/kafka"
	"github.com/getpup/pupledger/es/relay/rabbitmq"
)

// EnvPrefix prefixes every environment override, e.g. PUPLEDGER_DATABASE_DSN.
const EnvPrefix = "pupledger"

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Tables     TablesConfig     `mapstructure:"tables"`
	Append     AppendConfig     `mapstructure:"append"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Projection ProjectionConfig `mapstructure:"projection"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, pgx, mysql, sqlite
	Driver          string         `mapstructure:"driver"`
	DSN             string         `mapstructure:"dsn"`
	Read            ReadPoolConfig `mapstructure:"read"`
	MaxOpenConns    int            `mapstructure:"max_open_conns"`
	MaxIdleConns    int            `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration  `mapstructure:"conn_max_lifetime"`
}

// ReadPoolConfig configures an optional second pool for reads.
// An empty DSN reuses the write DSN.
type ReadPoolConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type TablesConfig struct {
	Events        string `mapstructure:"events"`
	Subscriptions string `mapstructure:"subscriptions"`
}

type AppendConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RelayConfig struct {
	Kafka    KafkaRelayConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQRelayConfig `mapstructure:"rabbitmq"`
}

type KafkaRelayConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	ClientID     string   `mapstructure:"client_id"`
	Subscription string   `mapstructure:"subscription"`
	Enabled      bool     `mapstructure:"enabled"`
}

type RabbitMQRelayConfig struct {
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	Subscription string `mapstructure:"subscription"`
	Enabled      bool   `mapstructure:"enabled"`
}

type ProjectionConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Load reads path (optional) and applies environment overrides.
// Every key has a default, so a missing file yields a usable SQLite setup.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pupledger.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.read.dsn", "")
	v.SetDefault("database.read.max_open_conns", 0)

	v.SetDefault("tables.events", "events")
	v.SetDefault("tables.subscriptions", "subscription_cursors")

	policy := ledger.DefaultRetryPolicy()
	v.SetDefault("append.max_attempts", policy.MaxAttempts)
	v.SetDefault("append.initial_backoff", policy.InitialBackoff)
	v.SetDefault("append.max_backoff", policy.MaxBackoff)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("relay.kafka.enabled", false)
	v.SetDefault("relay.kafka.brokers", []string{})
	v.SetDefault("relay.kafka.topic", "pupledger.events")
	v.SetDefault("relay.kafka.client_id", "pupledger")
	v.SetDefault("relay.kafka.subscription", "relay.kafka")
	v.SetDefault("relay.rabbitmq.enabled", false)
	v.SetDefault("relay.rabbitmq.url", "")
	v.SetDefault("relay.rabbitmq.exchange", "pupledger.events")
	v.SetDefault("relay.rabbitmq.subscription", "relay.rabbitmq")

	processor := projection.DefaultProcessorConfig()
	v.SetDefault("projection.batch_size", processor.BatchSize)
	v.SetDefault("projection.poll_interval", processor.PollInterval)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "pgx", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, pgx, mysql, sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxOpenConns < 0 || c.Database.Read.MaxOpenConns < 0 {
		errs = append(errs, errors.New("database max_open_conns must not be negative"))
	}

	if err := migrations.ValidateTableName(c.Tables.Events); err != nil {
		errs = append(errs, fmt.Errorf("tables.events: %w", err))
	}
	if err := migrations.ValidateTableName(c.Tables.Subscriptions); err != nil {
		errs = append(errs, fmt.Errorf("tables.subscriptions: %w", err))
	}
	if c.Tables.Events == c.Tables.Subscriptions {
		errs = append(errs, errors.New("tables.events and tables.subscriptions must differ"))
	}

	if c.Append.MaxAttempts < 1 {
		errs = append(errs, errors.New("append.max_attempts must be at least 1"))
	}
	if c.Append.InitialBackoff < 0 || c.Append.MaxBackoff < c.Append.InitialBackoff {
		errs = append(errs, errors.New("append backoff must satisfy 0 <= initial_backoff <= max_backoff"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if err := c.KafkaSink().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Relay.Kafka.Enabled && c.Relay.Kafka.Subscription == "" {
		errs = append(errs, errors.New("relay.kafka.subscription is required"))
	}
	if err := c.RabbitMQSink().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Relay.RabbitMQ.Enabled && c.Relay.RabbitMQ.Subscription == "" {
		errs = append(errs, errors.New("relay.rabbitmq.subscription is required"))
	}

	if c.Projection.BatchSize < 1 {
		errs = append(errs, errors.New("projection.batch_size must be at least 1"))
	}
	if c.Projection.PollInterval < 0 {
		errs = append(errs, errors.New("projection.poll_interval must not be negative"))
	}

	return errors.Join(errs...)
}

// RetryPolicy converts the append section.
func (c Config) RetryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts:    c.Append.MaxAttempts,
		InitialBackoff: c.Append.InitialBackoff,
		MaxBackoff:     c.Append.MaxBackoff,
	}
}

// ProcessorConfig converts the projection section.
func (c Config) ProcessorConfig() projection.ProcessorConfig {
	pc := projection.DefaultProcessorConfig()
	pc.BatchSize = c.Projection.BatchSize
	pc.PollInterval = c.Projection.PollInterval
	return pc
}

func (c Config) KafkaSink() kafka.Config {
	return kafka.Config{
		Enabled:  c.Relay.Kafka.Enabled,
		Brokers:  c.Relay.Kafka.Brokers,
		Topic:    c.Relay.Kafka.Topic,
		ClientID: c.Relay.Kafka.ClientID,
	}
}

func (c Config) RabbitMQSink() rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:  c.Relay.RabbitMQ.Enabled,
		URL:      c.Relay.RabbitMQ.URL,
		Exchange: c.Relay.RabbitMQ.Exchange,
	}
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return level, nil
}
