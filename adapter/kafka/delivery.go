package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"github.com/trickstertwo/orderbus"
)

// Headers carrying envelope fields that have no Kafka message slot.
const (
	headerMessageID   = "orderbus-message-id"
	headerMessageName = "orderbus-message-name"
	headerOrigTopic   = "orderbus-orig-topic"
	headerOrigOffset  = "orderbus-orig-offset"
)

// deadLetterAttempts bounds the writes of a failed message to its error topic.
const deadLetterAttempts = 5

type delivery struct {
	t     *Transport
	r     *kafka.Reader
	group string
	raw   kafka.Message
	msg   *orderbus.Message
	once  sync.Once
}

func (d *delivery) Message() *orderbus.Message { return d.msg }

// Ack commits the message offset for the group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.commit(ctx)
	})
	return err
}

func (d *delivery) commit(ctx context.Context) error {
	if err := d.r.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", d.raw.Topic, d.raw.Partition, d.raw.Offset, err)
	}
	d.t.metrics.acked.Add(1)
	return nil
}

// Nack writes the message to the group's error topic and commits it. The
// write is retried with backoff; if it still fails the offset is left
// uncommitted and the error is returned.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)

		out := toKafka(d.t.cfg.errorTopic(d.group), d.msg)
		out.Headers = append(out.Headers,
			kafka.Header{Key: headerOrigTopic, Value: []byte(d.raw.Topic)},
			kafka.Header{Key: headerOrigOffset, Value: []byte(fmt.Sprintf("%d/%d", d.raw.Partition, d.raw.Offset))},
		)
		if reason != nil && d.msg.Header(orderbus.HeaderFaultReason) == "" {
			out.Headers = append(out.Headers, kafka.Header{Key: orderbus.HeaderFaultReason, Value: []byte(reason.Error())})
		}
		if d.msg.Header(orderbus.HeaderFaultInputAddress) == "" {
			out.Headers = append(out.Headers, kafka.Header{Key: orderbus.HeaderFaultInputAddress, Value: []byte(d.group)})
		}

		b := retry.WithMaxRetries(deadLetterAttempts-1, d.t.backoff())
		err = retry.Do(ctx, b, func(ctx context.Context) error {
			if werr := d.t.writer.WriteMessages(ctx, out); werr != nil {
				return retry.RetryableError(werr)
			}
			return nil
		})
		if err != nil {
			err = fmt.Errorf("dead-letter to %q: %w", out.Topic, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.commit(ctx)
	})
	return err
}

// toKafka maps a message onto a Kafka record keyed by message id. Metadata
// travels as headers.
func toKafka(topic string, m *orderbus.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Metadata)+2)
	headers = append(headers,
		kafka.Header{Key: headerMessageID, Value: []byte(m.ID)},
		kafka.Header{Key: headerMessageName, Value: []byte(m.Name)},
	)
	for k, v := range m.Metadata {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	ts := m.ProducedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.ID),
		Value:   m.Payload,
		Headers: headers,
		Time:    ts.UTC(),
	}
}

func fromKafka(km kafka.Message) *orderbus.Message {
	msg := &orderbus.Message{
		ID:         string(km.Key),
		Payload:    km.Value,
		ProducedAt: km.Time,
		Metadata:   make(map[string]string, len(km.Headers)),
	}
	for _, h := range km.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = string(h.Value)
		case headerMessageName:
			msg.Name = string(h.Value)
		case headerOrigTopic, headerOrigOffset:
		default:
			msg.Metadata[h.Key] = string(h.Value)
		}
	}
	return msg
}
