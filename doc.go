// Package policyflow is a small layer on top of Watermill that moves insurance
// contract events from the point of signing to every downstream consumer group.
// It reads the target transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS JetStream or Go
// Channels) from Config, bootstraps the Watermill router, and registers the
// default middleware chain for correlation IDs, logging, tracing, metrics, and
// panic recovery.
//
// Service hosts the router. Service.Publish keys every Envelope by its policy
// number, so all events for one policy reach a consumer group in publish order.
// RegisterConsumer binds an EnvelopeHandler to a topic and consumer group; each
// group receives its own copy of every event and commits only after the handler
// finished. A minimal setup therefore involves filling Config, creating a
// Service, registering consumers, and calling Start.
//
// # Failures
//
// A failed handler, or an envelope that cannot be decoded, is classified as retryable or fatal by the FailureClassifier.
// Retryable failures are retried with a fixed delay (one second, two retries by
// default). When retries run out, or on the first fatal failure, the envelope is
// published unchanged to the "<topic>-dlt" topic with headers describing the
// failure, and the original message is committed. A dead-letter publish that
// fails leaves the original message uncommitted so it is redelivered.
//
// RegisterDeadLetterConsumer subscribes to a dead-letter topic. Records are
// logged and handed to AlertHooks; replay is always manual via
// Service.ReplayDeadLetter.
//
// # Transports
//
// Transports live in their own packages under transport/ and register
// themselves on import:
//   - channel: In-memory Go channels for tests and local runs
//   - kafka: Partitioned topics with consumer groups
//   - rabbitmq: AMQP durable queues per consumer group
//   - aws: SNS topics fanned out to one SQS queue per consumer group
//   - nats-jetstream: One durable JetStream consumer per group
//
// NewService refuses a transport whose capabilities say unacked messages may
// be lost.
//
// When you need more control, ServiceDependencies exposes well-scoped hooks:
// bring your own FailureClassifier, RetryPolicy, DeliveryHooks, AlertHooks,
// middleware registrations, or an entire TransportBuilder.
package policyflow
