package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/orderbus"
)

// delivery implements orderbus.Delivery for one AMQP delivery.
type delivery struct {
	t     *Transport
	queue string
	raw   amqp.Delivery
	msg   *orderbus.Message
	once  sync.Once
}

func newDelivery(t *Transport, queue string, raw amqp.Delivery) *delivery {
	return &delivery{t: t, queue: queue, raw: raw, msg: fromDelivery(raw)}
}

func (d *delivery) Message() *orderbus.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	var err error
	d.once.Do(func() {
		if err = d.raw.Ack(false); err != nil {
			err = fmt.Errorf("ack %s: %w", d.msg.ID, err)
			return
		}
		d.t.metrics.acked.Add(1)
	})
	return err
}

// Nack copies the message, headers included, to the queue's error exchange
// and acks the original. If the copy fails the delivery is rejected without
// requeue and the broker dead-letters it to the same error exchange.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)

		pub := toPublishing(d.msg)
		if reason != nil {
			if _, ok := pub.Headers[orderbus.HeaderFaultReason]; !ok {
				pub.Headers[orderbus.HeaderFaultReason] = reason.Error()
			}
		}
		if _, ok := pub.Headers[orderbus.HeaderFaultInputAddress]; !ok {
			pub.Headers[orderbus.HeaderFaultInputAddress] = d.queue
		}

		exchange := d.t.cfg.errorQueue(d.queue)
		if perr := d.t.publishError(ctx, exchange, pub); perr != nil {
			d.t.logger.Warn().Err(perr).Msg("rabbitmq: error copy failed, rejecting")
			if err = d.raw.Reject(false); err != nil {
				err = fmt.Errorf("reject %s: %w", d.msg.ID, err)
				return
			}
			d.t.metrics.rejected.Add(1)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		if err = d.raw.Ack(false); err != nil {
			err = fmt.Errorf("ack %s after dead-letter: %w", d.msg.ID, err)
			return
		}
		d.t.metrics.acked.Add(1)
	})
	return err
}

// toPublishing maps a message onto a persistent AMQP publishing. Metadata is
// carried as headers.
func toPublishing(m *orderbus.Message) amqp.Publishing {
	headers := make(amqp.Table, len(m.Metadata))
	for k, v := range m.Metadata {
		headers[k] = v
	}
	ts := m.ProducedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  m.Header(orderbus.HeaderContentType),
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Timestamp:    ts.UTC(),
		Type:         m.Name,
		Body:         m.Payload,
	}
}

func fromDelivery(raw amqp.Delivery) *orderbus.Message {
	msg := &orderbus.Message{
		ID:         raw.MessageId,
		Name:       raw.Type,
		Payload:    raw.Body,
		ProducedAt: raw.Timestamp,
		Metadata:   make(map[string]string, len(raw.Headers)+1),
	}
	for k, v := range raw.Headers {
		switch s := v.(type) {
		case string:
			msg.Metadata[k] = s
		case []byte:
			msg.Metadata[k] = string(s)
		default:
			msg.Metadata[k] = fmt.Sprint(s)
		}
	}
	if raw.ContentType != "" && msg.Metadata[orderbus.HeaderContentType] == "" {
		msg.Metadata[orderbus.HeaderContentType] = raw.ContentType
	}
	return msg
}
