package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker-side layout for one receive queue:
//
//	exchange <topic> (fanout) --> queue <group>
//	exchange <group>_error (fanout) --> queue <group>_error
//
// The receive queue dead-letters rejected messages into its error exchange,
// so a message that could not be copied there by Nack still ends up in the
// error queue.

const (
	argDeadLetterExchange = "x-dead-letter-exchange"
)

func declareExchange(ch *amqp.Channel, cfg Config, name string) error {
	if err := ch.ExchangeDeclare(name, cfg.ExchangeKind, cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}
	return nil
}

// declareErrorQueue declares the error exchange and queue for a receive queue
// and returns the error exchange name.
func declareErrorQueue(ch *amqp.Channel, cfg Config, queue string) (string, error) {
	name := cfg.errorQueue(queue)
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, cfg.Durable, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare error exchange %q: %w", name, err)
	}
	if _, err := ch.QueueDeclare(name, cfg.Durable, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare error queue %q: %w", name, err)
	}
	if err := ch.QueueBind(name, "", name, false, nil); err != nil {
		return "", fmt.Errorf("bind error queue %q: %w", name, err)
	}
	return name, nil
}

// declareTopology declares everything a subscription on topic/queue needs.
func declareTopology(ch *amqp.Channel, cfg Config, topic, queue string) error {
	if err := declareExchange(ch, cfg, topic); err != nil {
		return err
	}
	errExchange, err := declareErrorQueue(ch, cfg, queue)
	if err != nil {
		return err
	}
	args := amqp.Table{argDeadLetterExchange: errExchange}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", queue, topic, err)
	}
	return nil
}
