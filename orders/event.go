// Package orders holds the order-created event and the producer and consumer
// that exchange it over an orderbus.Bus.
package orders

import (
	"time"

	"github.com/google/uuid"
)

const (
	// QueueName is the receive endpoint the consumer process listens on.
	QueueName = "order-created-event"
	// DefaultInterval is the producer cadence.
	DefaultInterval = 2 * time.Second
)

// OrderCreated is published once per producer tick. Its message type is
// "orders:OrderCreated".
type OrderCreated struct {
	OrderID   uuid.UUID `json:"orderId"`
	CreatedAt time.Time `json:"createdAt"`
}
