package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport. The consumer group is the group
// passed to Subscribe (the receive endpoint's queue).
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumers
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	// DeadLetter overrides the error stream. Empty means group + "_error".
	DeadLetter   string
	MaxLenApprox int64

	// Pending entry recovery (claims entries left by crashed consumers)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Poll error backoff bounds
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orderbus"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("orderbus-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("config: backoff bounds invalid (min %v, max %v)", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

// deadLetterStream returns the error stream for a consumer group.
func (c Config) deadLetterStream(group string) string {
	if c.DeadLetter != "" {
		return c.DeadLetter
	}
	return group + "_error"
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"min_backoff":        c.MinBackoff,
		"max_backoff":        c.MaxBackoff,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// Durations may be time.Duration or strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := asInt(m["db"]); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := asInt(m["concurrency"]); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := asInt(m["batch_size"]); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := asDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := asInt(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = int64(v)
	}
	if v, ok := asDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := asInt(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := asDuration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	if v, ok := asDuration(m["min_backoff"]); ok && v > 0 {
		c.MinBackoff = v
	}
	if v, ok := asDuration(m["max_backoff"]); ok && v > 0 {
		c.MaxBackoff = v
	}
	return c
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
