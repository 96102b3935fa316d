package orderbus

import (
	"time"
)

// Well-known metadata keys.
const (
	// HeaderMessageType carries the message-type URN of the payload.
	HeaderMessageType = "message-type"
	// HeaderContentType names the codec that produced the payload.
	HeaderContentType = "content-type"

	// Fault headers are attached when a message is moved to an error queue.
	HeaderFaultReason       = "x-fault-reason"
	HeaderFaultAttempts     = "x-fault-attempts"
	HeaderFaultTimestamp    = "x-fault-timestamp"
	HeaderFaultInputAddress = "x-fault-input-address"
)

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the logical event name, used for dispatch and metrics.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/fault details.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Header returns a metadata value or "" when absent.
func (m *Message) Header(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetHeader sets a metadata value, allocating the map when needed.
func (m *Message) SetHeader(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 4)
	}
	m.Metadata[key] = value
}

// Clone returns a copy with its own metadata map. Payload bytes are shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}
