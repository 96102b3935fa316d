package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/orderbus"
)

// delivery implements orderbus.Delivery for one stream entry.
type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	msg   *orderbus.Message

	// settles the entry at most once
	once *sync.Once
}

func (d *delivery) Message() *orderbus.Message {
	return d.msg
}

// Ack acknowledges the entry for the group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", d.topic, d.id, err)
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack copies the entry to the group's error stream, then acks it so the group
// never delivers it again. When the copy fails the entry stays pending and
// the claim loop will deliver it again.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)

		values := encodeMessage(d.msg)
		values[fieldOrigTopic] = d.topic
		values[fieldOrigID] = d.id
		if reason != nil {
			values[fieldError] = reason.Error()
		}

		dl := d.t.cfg.deadLetterStream(d.group)
		if err = d.t.client.XAdd(ctx, d.t.xaddArgs(dl, values)).Err(); err != nil {
			err = fmt.Errorf("dead-letter %s to %s: %w", d.id, dl, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// encodeMessage flattens a message into stream entry fields.
func encodeMessage(m *orderbus.Message) map[string]any {
	vals := make(map[string]any, 7+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs a message from stream entry values. The stream
// entry ID is used when the entry carries no message id.
func decodeMessage(entryID string, vals map[string]any) *orderbus.Message {
	msg := &orderbus.Message{
		ID:       entryID,
		Metadata: make(map[string]string, 4),
	}

	if v, ok := vals[fieldID]; ok {
		if id := asString(v); id != "" {
			msg.ID = id
		}
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns).UTC()
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
