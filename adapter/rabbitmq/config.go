package rabbitmq

import (
	"fmt"
	"os"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config for the RabbitMQ transport.
type Config struct {
	// URL, when set, overrides the individual connection fields.
	URL string

	Host        string
	Port        int
	VirtualHost string
	Username    string
	Password    string

	// ConnectionName is shown in the management UI.
	ConnectionName string

	// Prefetch is the QoS prefetch count per subscription channel.
	Prefetch int
	// Concurrency is the number of handler goroutines per subscription.
	Concurrency int

	// ExchangeKind is the type of the per-message-type exchanges.
	ExchangeKind string
	Durable      bool
	// ErrorSuffix is appended to a queue name to form its error queue.
	ErrorSuffix string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Heartbeat    time.Duration
}

// Defaults targets a local broker with the stock guest account.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orderbus"
	}
	return Config{
		Host:           "localhost",
		Port:           5672,
		VirtualHost:    "/",
		Username:       "guest",
		Password:       "guest",
		ConnectionName: fmt.Sprintf("orderbus-%s-%d", hostname, os.Getpid()),
		Prefetch:       16,
		Concurrency:    1,
		ExchangeKind:   amqp.ExchangeFanout,
		Durable:        true,
		ErrorSuffix:    "_error",
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
		Heartbeat:      10 * time.Second,
	}
}

// Validate rejects configurations the transport cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		if c.Host == "" {
			return fmt.Errorf("config: host required")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("config: port out of range: %d", c.Port)
		}
	} else if _, err := amqp.ParseURI(c.URL); err != nil {
		return fmt.Errorf("config: url: %w", err)
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("config: prefetch must be >= 1, got %d", c.Prefetch)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	switch c.ExchangeKind {
	case amqp.ExchangeFanout, amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return fmt.Errorf("config: unknown exchange kind %q", c.ExchangeKind)
	}
	if c.ErrorSuffix == "" {
		return fmt.Errorf("config: error suffix required")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("config: reconnect bounds invalid (min %v, max %v)", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// AMQPURL returns the broker URL. Credentials are included; do not log it.
func (c Config) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}.String()
}

// Redacted returns the broker address without credentials, for logs.
func (c Config) Redacted() string {
	if c.URL != "" {
		u, err := amqp.ParseURI(c.URL)
		if err != nil {
			return "<invalid url>"
		}
		return fmt.Sprintf("%s:%d/%s", u.Host, u.Port, strings.TrimPrefix(u.Vhost, "/"))
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, strings.TrimPrefix(c.VirtualHost, "/"))
}

func (c Config) errorQueue(queue string) string {
	return queue + c.ErrorSuffix
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":             c.URL,
		"host":            c.Host,
		"port":            c.Port,
		"virtual_host":    c.VirtualHost,
		"username":        c.Username,
		"password":        c.Password,
		"connection_name": c.ConnectionName,
		"prefetch":        c.Prefetch,
		"concurrency":     c.Concurrency,
		"exchange_kind":   c.ExchangeKind,
		"durable":         c.Durable,
		"error_suffix":    c.ErrorSuffix,
		"reconnect_min":   c.ReconnectMin,
		"reconnect_max":   c.ReconnectMax,
		"heartbeat":       c.Heartbeat,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// Durations may be time.Duration or strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	str := func(k string, dst *string) {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	num := func(k string, dst *int) {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	dur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("url", &c.URL)
	str("host", &c.Host)
	num("port", &c.Port)
	str("virtual_host", &c.VirtualHost)
	str("username", &c.Username)
	str("password", &c.Password)
	str("connection_name", &c.ConnectionName)
	num("prefetch", &c.Prefetch)
	num("concurrency", &c.Concurrency)
	str("exchange_kind", &c.ExchangeKind)
	if v, ok := m["durable"].(bool); ok {
		c.Durable = v
	}
	str("error_suffix", &c.ErrorSuffix)
	dur("reconnect_min", &c.ReconnectMin)
	dur("reconnect_max", &c.ReconnectMax)
	dur("heartbeat", &c.Heartbeat)
	return c
}
