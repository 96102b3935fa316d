// Package rabbitmq provides an orderbus.Transport on RabbitMQ (AMQP 0-9-1).
//
// Each topic is a fanout exchange and each consumer group a durable queue
// bound to it. Every queue gets a companion error exchange and queue named
// <queue>_error, also configured as the queue's dead-letter exchange.
//
// Publishing uses publisher confirms and persistent delivery mode. Consumers
// run with manual acks and a QoS prefetch; they are restarted after the
// connection is re-established.
//
// Register the transport by importing the package:
//
//	import _ "github.com/trickstertwo/orderbus/adapter/rabbitmq"
//
// and select it with BusBuilder.WithTransport("rabbitmq", cfg).
package rabbitmq
