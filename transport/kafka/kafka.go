// Package kafka provides the Kafka transport for policyflow. Messages are keyed
// by their subject key so one policy always maps to one partition.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/policyflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: at least one broker is required")
	}
	clientID := cfg.GetKafkaClientID()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSaramaConfig(clientID),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(consumerGroup string) (message.Subscriber, error) {
		if strings.TrimSpace(consumerGroup) == "" {
			return nil, fmt.Errorf("kafka: consumer group is required")
		}
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         consumerGroup,
				OverwriteSaramaConfig: subscriberSaramaConfig(clientID),
			},
			logger,
		)
	}

	tr := transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}
	if cfg.GetKafkaProvisionTopics() {
		tr.Provisioner = NewProvisioner(brokers, cfg.GetKafkaPartitions(), cfg.GetKafkaReplicationFactor(), clientID, logger)
	}
	return tr, nil
}

// PartitionKey reads the subject key that Kafka hashes to pick a partition.
// A message without one is rejected rather than spread round-robin.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	key := msg.Metadata.Get(transport.MetadataKeyPartitionKey)
	if key == "" {
		return "", fmt.Errorf("kafka: message %s for topic %q has no %s metadata", msg.UUID, topic, transport.MetadataKeyPartitionKey)
	}
	return key, nil
}

func publisherSaramaConfig(clientID string) *sarama.Config {
	conf := kafka.DefaultSaramaSyncPublisherConfig()
	conf.Producer.Partitioner = sarama.NewHashPartitioner
	if clientID != "" {
		conf.ClientID = clientID
	}
	return conf
}

func subscriberSaramaConfig(clientID string) *sarama.Config {
	conf := kafka.DefaultSaramaSubscriberConfig()
	// A group that joins late still sees everything published before it.
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	if clientID != "" {
		conf.ClientID = clientID
	}
	return conf
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
