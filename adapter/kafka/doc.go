// Package kafka provides an orderbus.Transport on Apache Kafka using
// segmentio/kafka-go.
//
// A subscription group is a Kafka consumer group. Ack commits the offset;
// Nack writes the record with its fault headers to the <group>_error topic
// and then commits. Records are keyed by message id and carry metadata as
// record headers.
//
//	import _ "github.com/trickstertwo/orderbus/adapter/kafka"
package kafka
