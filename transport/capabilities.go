package transport

import (
	"errors"
	"fmt"
)

// ErrUnreliableTransport is returned for a transport that may lose a message
// the consumer never acked.
var ErrUnreliableTransport = errors.New("transport: unacked messages are not redelivered")

// Capabilities describes the delivery guarantees a transport gives the
// pipeline. The service checks them once at construction.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// Redelivers reports that a message a group did not ack, because the
	// handler nacked it or the process stopped, is delivered to that group again.
	Redelivers bool

	// KeyOrdered reports that a group receives messages sharing a partition key
	// in publish order and only gets the next one after acking the previous.
	KeyOrdered bool

	// Durable reports that messages published while a group is offline are
	// kept for it.
	Durable bool

	// Partitioned reports that the transport routes by MetadataKeyPartitionKey.
	Partitioned bool

	// MaxMessageSize is the largest accepted message in bytes, 0 when unknown.
	MaxMessageSize int64
}

// CheckDelivery fails when a message could be committed before it was handled.
func (c Capabilities) CheckDelivery() error {
	if !c.Redelivers {
		return fmt.Errorf("%w: %s", ErrUnreliableTransport, c.Name)
	}
	return nil
}

// Shortfalls names the guarantees beyond redelivery that c lacks, for logging.
func (c Capabilities) Shortfalls() []string {
	var out []string
	if !c.KeyOrdered {
		out = append(out, "per-key ordering")
	}
	if !c.Durable {
		out = append(out, "durable subscriptions")
	}
	return out
}

// Capability sets of the built-in transports.
var (
	// ChannelCapabilities for the in-memory transport. Messages published
	// before a group subscribed are not kept for it.
	ChannelCapabilities = Capabilities{
		Name:       "channel",
		Redelivers: true,
		KeyOrdered: true,
	}

	// KafkaCapabilities for Apache Kafka. Uncommitted offsets are read again
	// and one partition is consumed in order.
	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Redelivers:     true,
		KeyOrdered:     true,
		Durable:        true,
		Partitioned:    true,
		MaxMessageSize: 1048576,
	}

	// RabbitMQCapabilities for RabbitMQ with one durable queue per group.
	RabbitMQCapabilities = Capabilities{
		Name:       "rabbitmq",
		Redelivers: true,
		KeyOrdered: true,
		Durable:    true,
	}

	// NATSJetStreamCapabilities for NATS JetStream with one durable consumer
	// per group and a single unacked message in flight.
	NATSJetStreamCapabilities = Capabilities{
		Name:           "nats-jetstream",
		Redelivers:     true,
		KeyOrdered:     true,
		Durable:        true,
		MaxMessageSize: 1048576,
	}

	// AWSCapabilities for SNS fan-out to standard SQS queues. Standard queues
	// redeliver after the visibility timeout but do not keep order.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		Redelivers:     true,
		KeyOrdered:     false,
		Durable:        true,
		MaxMessageSize: 262144,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// It returns the zero value for unknown transports.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
