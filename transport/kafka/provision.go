package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
)

const (
	defaultPartitions        int32 = 3
	defaultReplicationFactor int16 = 1
)

// ClusterAdmin is the subset of sarama.ClusterAdmin the provisioner uses.
type ClusterAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	Close() error
}

// AdminFactory allows overriding the cluster admin creation for testing.
var AdminFactory = func(brokers []string, conf *sarama.Config) (ClusterAdmin, error) {
	return sarama.NewClusterAdmin(brokers, conf)
}

// Provisioner creates topics and their dead-letter companions.
type Provisioner struct {
	brokers           []string
	partitions        int32
	replicationFactor int16
	clientID          string
	logger            watermill.LoggerAdapter
}

// NewProvisioner returns a provisioner. Zero partitions or replication factor
// fall back to 3 and 1.
func NewProvisioner(brokers []string, partitions int32, replicationFactor int16, clientID string, logger watermill.LoggerAdapter) *Provisioner {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	if replicationFactor <= 0 {
		replicationFactor = defaultReplicationFactor
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Provisioner{
		brokers:           brokers,
		partitions:        partitions,
		replicationFactor: replicationFactor,
		clientID:          clientID,
		logger:            logger,
	}
}

// EnsureTopic creates topic with the configured partition count. The
// dead-letter topic copies the partition count of topic as it exists on the
// cluster, so a pre-existing topic with a different layout is matched.
func (p *Provisioner) EnsureTopic(ctx context.Context, topic, deadLetterTopic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conf := sarama.NewConfig()
	if p.clientID != "" {
		conf.ClientID = p.clientID
	}
	admin, err := AdminFactory(p.brokers, conf)
	if err != nil {
		return fmt.Errorf("kafka: connect cluster admin: %w", err)
	}
	defer func() { _ = admin.Close() }()

	if err := p.create(admin, topic, p.partitions); err != nil {
		return err
	}
	if deadLetterTopic == "" {
		return nil
	}

	partitions, err := partitionCount(admin, topic)
	if err != nil {
		return err
	}
	return p.create(admin, deadLetterTopic, partitions)
}

func (p *Provisioner) create(admin ClusterAdmin, topic string, partitions int32) error {
	err := admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: p.replicationFactor,
	}, false)
	switch {
	case err == nil:
		p.logger.Info("Created Kafka topic", watermill.LogFields{
			"topic":      topic,
			"partitions": partitions,
		})
		return nil
	case errors.Is(err, sarama.ErrTopicAlreadyExists):
		p.logger.Debug("Kafka topic already exists", watermill.LogFields{"topic": topic})
		return nil
	default:
		return fmt.Errorf("kafka: create topic %q: %w", topic, err)
	}
}

func partitionCount(admin ClusterAdmin, topic string) (int32, error) {
	metadata, err := admin.DescribeTopics([]string{topic})
	if err != nil {
		return 0, fmt.Errorf("kafka: describe topic %q: %w", topic, err)
	}
	for _, md := range metadata {
		if md.Name != topic {
			continue
		}
		if md.Err != sarama.ErrNoError {
			return 0, fmt.Errorf("kafka: describe topic %q: %w", topic, md.Err)
		}
		return int32(len(md.Partitions)), nil
	}
	return 0, fmt.Errorf("kafka: topic %q not found after creation", topic)
}
