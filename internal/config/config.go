// Package config loads process configuration for the producer and consumer
// binaries: defaults, then an optional file named by ORDERBUS_CONFIG, then
// ORDERBUS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trickstertwo/orderbus"
)

const (
	// EnvPrefix prefixes every environment override, e.g. ORDERBUS_TRANSPORT.
	EnvPrefix = "ORDERBUS"
	// EnvConfigFile names an optional config file (yaml, json, toml).
	EnvConfigFile = "ORDERBUS_CONFIG"
)

// Transport names accepted in the "transport" key.
const (
	TransportMemory       = "memory"
	TransportRabbitMQ     = "rabbitmq"
	TransportRedisStreams = "redis-streams"
	TransportKafka        = "kafka"
)

var knownTransports = []string{TransportMemory, TransportRabbitMQ, TransportRedisStreams, TransportKafka}

type Config struct {
	Transport string   `mapstructure:"transport"`
	RabbitMQ  RabbitMQ `mapstructure:"rabbitmq"`
	Redis     Redis    `mapstructure:"redis"`
	Kafka     Kafka    `mapstructure:"kafka"`
	Endpoint  Endpoint `mapstructure:"endpoint"`
	Producer  Producer `mapstructure:"producer"`
	Log       Log      `mapstructure:"log"`
	Metrics   Metrics  `mapstructure:"metrics"`
	Tracing   Tracing  `mapstructure:"tracing"`
}

type RabbitMQ struct {
	URL          string `mapstructure:"url"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	VirtualHost  string `mapstructure:"virtual_host"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Prefetch     int    `mapstructure:"prefetch"`
	ExchangeKind string `mapstructure:"exchange_kind"`
}

type Redis struct {
	Addr      string        `mapstructure:"addr"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	BatchSize int           `mapstructure:"batch_size"`
	Block     time.Duration `mapstructure:"block"`
}

type Kafka struct {
	Brokers     []string `mapstructure:"brokers"`
	StartOffset string   `mapstructure:"start_offset"`
}

// Endpoint describes the consumer's receive endpoint and its retry layout.
type Endpoint struct {
	Queue            string        `mapstructure:"queue"`
	ImmediateRetries int           `mapstructure:"immediate_retries"`
	IntervalRetries  int           `mapstructure:"interval_retries"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	Concurrency      int           `mapstructure:"concurrency"`
	RetryComposition string        `mapstructure:"retry_composition"`
}

type Producer struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Log struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type Metrics struct {
	// Addr is the listen address of /metrics and /healthz. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type Tracing struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportRabbitMQ)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.virtual_host", "/")
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.prefetch", 16)
	v.SetDefault("rabbitmq.exchange_kind", "fanout")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.batch_size", 64)
	v.SetDefault("redis.block", 2*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.start_offset", "first")

	v.SetDefault("endpoint.queue", "order-created-event")
	v.SetDefault("endpoint.immediate_retries", 5)
	v.SetDefault("endpoint.interval_retries", 2)
	v.SetDefault("endpoint.retry_interval", time.Second)
	v.SetDefault("endpoint.concurrency", 1)
	v.SetDefault("endpoint.retry_composition", "endpoint-outer")

	v.SetDefault("producer.interval", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "orderbus")
	v.SetDefault("tracing.insecure", true)
}

// Load reads configuration. file overrides ORDERBUS_CONFIG; both may be empty.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv(EnvConfigFile)
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown transports and impossible retry settings.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(knownTransports, c.Transport) {
		errs = append(errs, fmt.Errorf("config: unknown transport %q (want one of %s)", c.Transport, strings.Join(knownTransports, ", ")))
	}
	if c.Endpoint.Queue == "" {
		errs = append(errs, errors.New("config: endpoint.queue required"))
	}
	if c.Endpoint.ImmediateRetries < 0 {
		errs = append(errs, fmt.Errorf("config: endpoint.immediate_retries must be >= 0, got %d", c.Endpoint.ImmediateRetries))
	}
	if c.Endpoint.IntervalRetries < 0 {
		errs = append(errs, fmt.Errorf("config: endpoint.interval_retries must be >= 0, got %d", c.Endpoint.IntervalRetries))
	}
	if c.Endpoint.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("config: endpoint.retry_interval must be >= 0, got %v", c.Endpoint.RetryInterval))
	}
	if c.Endpoint.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("config: endpoint.concurrency must be >= 1, got %d", c.Endpoint.Concurrency))
	}
	switch strings.ToLower(c.Endpoint.RetryComposition) {
	case "", "endpoint-outer", "endpoint", "consumer-outer", "consumer":
	default:
		errs = append(errs, fmt.Errorf("config: unknown endpoint.retry_composition %q", c.Endpoint.RetryComposition))
	}
	if c.Producer.Interval <= 0 {
		errs = append(errs, fmt.Errorf("config: producer.interval must be > 0, got %v", c.Producer.Interval))
	}
	return errors.Join(errs...)
}

// TransportConfig returns the settings map the transport registry expects
// for c.Transport.
func (c Config) TransportConfig() map[string]any {
	switch c.Transport {
	case TransportRabbitMQ:
		return map[string]any{
			"url":           c.RabbitMQ.URL,
			"host":          c.RabbitMQ.Host,
			"port":          c.RabbitMQ.Port,
			"virtual_host":  c.RabbitMQ.VirtualHost,
			"username":      c.RabbitMQ.Username,
			"password":      c.RabbitMQ.Password,
			"prefetch":      c.RabbitMQ.Prefetch,
			"exchange_kind": c.RabbitMQ.ExchangeKind,
			"concurrency":   c.Endpoint.Concurrency,
		}
	case TransportRedisStreams:
		return map[string]any{
			"addr":        c.Redis.Addr,
			"username":    c.Redis.Username,
			"password":    c.Redis.Password,
			"db":          c.Redis.DB,
			"batch_size":  c.Redis.BatchSize,
			"block":       c.Redis.Block,
			"auto_create": true,
			"concurrency": c.Endpoint.Concurrency,
		}
	case TransportKafka:
		return map[string]any{
			"brokers":      c.Kafka.Brokers,
			"start_offset": c.Kafka.StartOffset,
			"readers":      c.Endpoint.Concurrency,
		}
	default:
		return map[string]any{
			"concurrency": c.Endpoint.Concurrency,
			"assign_ids":  true,
		}
	}
}

// EndpointRetry is the immediate retry policy of the receive endpoint.
func (e Endpoint) EndpointRetry() orderbus.RetryPolicy {
	return orderbus.Immediate(e.ImmediateRetries)
}

// ConsumerRetry is the interval retry policy of the consumer.
func (e Endpoint) ConsumerRetry() orderbus.RetryPolicy {
	return orderbus.Interval(e.IntervalRetries, e.RetryInterval)
}

// Composition parses RetryComposition; Validate has already vetted it.
func (e Endpoint) Composition() orderbus.RetryComposition {
	c, _ := orderbus.ParseRetryComposition(e.RetryComposition)
	return c
}
