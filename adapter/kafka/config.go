package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config for the Kafka transport.
type Config struct {
	Brokers []string

	// Readers is the number of group members started per subscription.
	// Each reader handles its partitions sequentially.
	Readers int

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// StartOffset applies to groups without a committed offset.
	StartOffset int64

	BatchTimeout time.Duration
	// Partitions and ReplicationFactor are used when topics are created.
	Partitions        int
	ReplicationFactor int

	ErrorSuffix string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Defaults targets a single local broker.
func Defaults() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		Readers:           1,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           500 * time.Millisecond,
		StartOffset:       kafka.FirstOffset,
		BatchTimeout:      10 * time.Millisecond,
		Partitions:        1,
		ReplicationFactor: 1,
		ErrorSuffix:       "_error",
		MinBackoff:        100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

// Validate rejects configurations the transport cannot run with.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: at least one broker required")
	}
	if c.Readers < 1 {
		return fmt.Errorf("config: readers must be >= 1, got %d", c.Readers)
	}
	if c.MinBytes < 1 || c.MaxBytes < c.MinBytes {
		return fmt.Errorf("config: fetch bytes invalid (min %d, max %d)", c.MinBytes, c.MaxBytes)
	}
	if c.StartOffset != kafka.FirstOffset && c.StartOffset != kafka.LastOffset {
		return fmt.Errorf("config: start offset must be first (-2) or last (-1), got %d", c.StartOffset)
	}
	if c.Partitions < 1 || c.ReplicationFactor < 1 {
		return fmt.Errorf("config: partitions and replication factor must be >= 1")
	}
	if c.ErrorSuffix == "" {
		return fmt.Errorf("config: error suffix required")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("config: backoff bounds invalid (min %v, max %v)", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

func (c Config) errorTopic(group string) string {
	return topicName(group + c.ErrorSuffix)
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"brokers":            c.Brokers,
		"readers":            c.Readers,
		"min_bytes":          c.MinBytes,
		"max_bytes":          c.MaxBytes,
		"max_wait":           c.MaxWait,
		"start_offset":       c.StartOffset,
		"batch_timeout":      c.BatchTimeout,
		"partitions":         c.Partitions,
		"replication_factor": c.ReplicationFactor,
		"error_suffix":       c.ErrorSuffix,
		"min_backoff":        c.MinBackoff,
		"max_backoff":        c.MaxBackoff,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// "brokers" may be a []string, a []any or a comma separated string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	switch v := m["brokers"].(type) {
	case []string:
		if len(v) > 0 {
			c.Brokers = v
		}
	case []any:
		bs := make([]string, 0, len(v))
		for _, b := range v {
			if s, ok := b.(string); ok && s != "" {
				bs = append(bs, s)
			}
		}
		if len(bs) > 0 {
			c.Brokers = bs
		}
	case string:
		if v != "" {
			c.Brokers = splitBrokers(v)
		}
	}

	if v, ok := asInt(m["readers"]); ok {
		c.Readers = v
	}
	if v, ok := asInt(m["min_bytes"]); ok {
		c.MinBytes = v
	}
	if v, ok := asInt(m["max_bytes"]); ok {
		c.MaxBytes = v
	}
	if v, ok := asDuration(m["max_wait"]); ok {
		c.MaxWait = v
	}
	switch v := m["start_offset"].(type) {
	case int64:
		c.StartOffset = v
	case int:
		c.StartOffset = int64(v)
	case string:
		switch strings.ToLower(v) {
		case "first", "earliest":
			c.StartOffset = kafka.FirstOffset
		case "last", "latest":
			c.StartOffset = kafka.LastOffset
		}
	}
	if v, ok := asDuration(m["batch_timeout"]); ok {
		c.BatchTimeout = v
	}
	if v, ok := asInt(m["partitions"]); ok {
		c.Partitions = v
	}
	if v, ok := asInt(m["replication_factor"]); ok {
		c.ReplicationFactor = v
	}
	if v, ok := m["error_suffix"].(string); ok && v != "" {
		c.ErrorSuffix = v
	}
	if v, ok := asDuration(m["min_backoff"]); ok {
		c.MinBackoff = v
	}
	if v, ok := asDuration(m["max_backoff"]); ok {
		c.MaxBackoff = v
	}
	return c
}

func splitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
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
		if pd, err := time.ParseDuration(d); err == nil {
			return pd, true
		}
	}
	return 0, false
}
