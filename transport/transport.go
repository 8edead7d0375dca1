// Package transport defines the broker seam of policyflow. Each transport
// implementation (kafka, rabbitmq, aws, etc.) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataKeyPartitionKey is the message metadata key transports partition on.
// Every message carrying the same value lands in the same partition and is
// therefore delivered in publish order within each consumer group.
const MetadataKeyPartitionKey = "pf_subject_key"

// SubscriberFactory returns a subscriber bound to one consumer group. Groups
// are independent: each one receives every message published to a topic.
type SubscriberFactory func(consumerGroup string) (message.Subscriber, error)

// Transport combines a publisher with a per-group subscriber factory.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber SubscriberFactory

	// Provisioner is nil for transports that create topics lazily.
	Provisioner TopicProvisioner
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered by name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// Transports only see the values they need, not the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaProvisionTopics() bool
	GetKafkaPartitions() int32
	GetKafkaReplicationFactor() int16

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// TopicProvisioner is implemented by transports that need topics created up front.
type TopicProvisioner interface {
	// EnsureTopic creates topic and, when deadLetterTopic is not empty, its
	// dead-letter companion with the same partition count. Existing topics are
	// left untouched.
	EnsureTopic(ctx context.Context, topic, deadLetterTopic string) error
}
