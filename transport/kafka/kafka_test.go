package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/policyflow/transport"
	"github.com/drblury/policyflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.Partitioned)
	assert.True(t, caps.KeyOrdered)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func stubFactories(t *testing.T) (*[]kafka.SubscriberConfig, *kafka.PublisherConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	var pubCfg kafka.PublisherConfig
	subCfgs := []kafka.SubscriberConfig{}
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfgs = append(subCfgs, cfg)
		return &transporttest.Subscriber{Group: cfg.ConsumerGroup}, nil
	}
	return &subCfgs, &pubCfg
}

func TestBuild(t *testing.T) {
	t.Run("wires keyed publisher and per-group subscribers", func(t *testing.T) {
		subCfgs, pubCfg := stubFactories(t)

		cfg := &transporttest.Config{
			KafkaBrokers:  []string{"localhost:9092"},
			KafkaClientID: "policyflow-test",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Nil(t, tr.Provisioner)

		assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
		require.NotNil(t, pubCfg.OverwriteSaramaConfig)
		assert.Equal(t, "policyflow-test", pubCfg.OverwriteSaramaConfig.ClientID)

		_, err = tr.NewSubscriber("notification-group")
		require.NoError(t, err)
		_, err = tr.NewSubscriber("documentation-group")
		require.NoError(t, err)

		require.Len(t, *subCfgs, 2)
		assert.Equal(t, "notification-group", (*subCfgs)[0].ConsumerGroup)
		assert.Equal(t, "documentation-group", (*subCfgs)[1].ConsumerGroup)
		assert.Equal(t, sarama.OffsetOldest, (*subCfgs)[0].OverwriteSaramaConfig.Consumer.Offsets.Initial)
	})

	t.Run("rejects empty consumer group", func(t *testing.T) {
		stubFactories(t)
		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)

		_, err = tr.NewSubscriber(" ")
		assert.Error(t, err)
	})

	t.Run("requires brokers", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("attaches provisioner when enabled", func(t *testing.T) {
		stubFactories(t)
		cfg := &transporttest.Config{
			KafkaBrokers:         []string{"b:9092"},
			KafkaProvisionTopics: true,
			KafkaPartitions:      6,
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, tr.Provisioner)
		assert.Equal(t, int32(6), tr.Provisioner.(*Provisioner).partitions)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("1", []byte("{}"))
	_, err := PartitionKey("contract-events", msg)
	assert.Error(t, err)

	msg.Metadata.Set(transport.MetadataKeyPartitionKey, "POL-42")
	key, err := PartitionKey("contract-events", msg)
	require.NoError(t, err)
	assert.Equal(t, "POL-42", key)
}
