// Package jetstream provides a NATS JetStream transport for policyflow. Every
// consumer group reads a topic through its own durable consumer, so messages
// published while the group is offline wait for it and unacked messages are
// delivered again.
package jetstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/policyflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

// ClientName is reported to the NATS server for every connection.
const ClientName = "policyflow"

const (
	// DefaultAckWait bounds how long the server waits for an ack before it
	// delivers the message again. It has to outlast a full retry cycle.
	DefaultAckWait = 30 * time.Second

	// maxAckPending keeps one unacked message per durable consumer, which is
	// what holds back later messages while the current one is retried.
	maxAckPending = 1
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new JetStream transport. Streams are provisioned on first
// use, one per topic.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = natsgo.DefaultURL
	}
	marshaler := &nats.NATSMarshaler{}
	options := []natsgo.Option{
		natsgo.Name(ClientName),
		natsgo.MaxReconnects(-1),
	}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream: nats.JetStreamConfig{
				AutoProvision: true,
				TrackMsgId:    true,
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(consumerGroup string) (message.Subscriber, error) {
		durable, err := DurableName(consumerGroup)
		if err != nil {
			return nil, err
		}
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: durable,
				SubscribersCount: 1,
				AckWaitTimeout:   DefaultAckWait,
				NatsOptions:      options,
				Unmarshaler:      marshaler,
				JetStream: nats.JetStreamConfig{
					AutoProvision: true,
					DurablePrefix: durable,
					SubscribeOptions: []natsgo.SubOpt{
						natsgo.DeliverAll(),
						natsgo.AckExplicit(),
						natsgo.ManualAck(),
						natsgo.MaxAckPending(maxAckPending),
						natsgo.AckWait(DefaultAckWait),
					},
				},
			},
			logger,
		)
	}

	return transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}, nil
}

// DurableName turns a consumer group into a valid JetStream consumer name.
func DurableName(consumerGroup string) (string, error) {
	group := strings.TrimSpace(consumerGroup)
	if group == "" {
		return "", fmt.Errorf("jetstream: consumer group is required")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>' || r == '/' || r == '\\':
			return '_'
		case r <= ' ':
			return '_'
		}
		return r
	}, group), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
