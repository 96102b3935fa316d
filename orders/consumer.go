package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/trickstertwo/orderbus"
)

// ErrOrderIDStartsWithFive fails every order whose id starts with "5", so the
// retry and error queue path gets traffic.
var ErrOrderIDStartsWithFive = errors.New("orders: order id starts with 5")

// OrderCreatedConsumer prints received orders. It holds no mutable state.
type OrderCreatedConsumer struct {
	out io.Writer
}

// NewOrderCreatedConsumer writes to out, or os.Stdout when out is nil.
func NewOrderCreatedConsumer(out io.Writer) *OrderCreatedConsumer {
	if out == nil {
		out = os.Stdout
	}
	return &OrderCreatedConsumer{out: out}
}

func (c *OrderCreatedConsumer) Consume(_ context.Context, cc *orderbus.ConsumeContext[OrderCreated]) error {
	id := cc.Message.OrderID.String()
	if strings.HasPrefix(id, "5") {
		return fmt.Errorf("%w: %s (attempt %d)", ErrOrderIDStartsWithFive, id, cc.Attempt)
	}
	fmt.Fprintf(c.out, "Order Received: %s at %s\n", id, cc.Message.CreatedAt.Format(time.RFC3339Nano))
	return nil
}

// Retry is the retry layout of the order endpoint.
type Retry struct {
	Endpoint    orderbus.RetryPolicy
	Consumer    orderbus.RetryPolicy
	Composition orderbus.RetryComposition
}

// DefaultRetry is five immediate endpoint retries around two consumer
// retries one second apart: 18 invocations before the error queue.
func DefaultRetry() Retry {
	return Retry{
		Endpoint: orderbus.Immediate(5),
		Consumer: orderbus.Interval(2, time.Second),
	}
}

// ConfigureEndpoint registers c on e with the given retry layout.
func ConfigureEndpoint(e *orderbus.EndpointBuilder, c orderbus.Consumer[OrderCreated], r Retry) {
	e.UseRetry(r.Endpoint).RetryComposition(r.Composition)
	orderbus.AddConsumer[OrderCreated](e, c, orderbus.WithConsumerRetry(r.Consumer))
}
