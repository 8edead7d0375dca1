// Package transporttest holds stubs shared by the transport package tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a settable transport.Config.
type Config struct {
	PubSubSystem           string
	KafkaBrokers           []string
	KafkaClientID          string
	KafkaProvisionTopics   bool
	KafkaPartitions        int32
	KafkaReplicationFactor int16
	RabbitMQURL            string
	NATSURL                string
	AWSRegion              string
	AWSAccountID           string
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	AWSEndpoint            string
}

func (c *Config) GetPubSubSystem() string          { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string        { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string         { return c.KafkaClientID }
func (c *Config) GetKafkaProvisionTopics() bool    { return c.KafkaProvisionTopics }
func (c *Config) GetKafkaPartitions() int32        { return c.KafkaPartitions }
func (c *Config) GetKafkaReplicationFactor() int16 { return c.KafkaReplicationFactor }
func (c *Config) GetRabbitMQURL() string           { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string               { return c.NATSURL }
func (c *Config) GetAWSRegion() string             { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string          { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string        { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string    { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string           { return c.AWSEndpoint }

// Publisher records published messages.
type Publisher struct {
	mu       sync.Mutex
	Messages map[string][]*message.Message
	Err      error
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = make(map[string][]*message.Message)
	}
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

func (p *Publisher) Close() error { return nil }

// Subscriber never delivers anything.
type Subscriber struct {
	Group string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error { return nil }
