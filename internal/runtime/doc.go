/*
Package runtime provides the event pipeline behind policyflow.

# Architecture Overview

The runtime wraps a Watermill router. Envelopes are published keyed by their
subject key (the policy number), so every envelope for one policy lands in the
same partition and is delivered in publish order. Each consumer group reads
every envelope of a topic independently of the other groups.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the Watermill router and the transport chosen by Config.PubSubSystem
  - the envelope publisher
  - one subscriber per consumer group
  - the retry scheduler and dead-letter router
  - HTTP servers for metrics and the web UI

## Publishing (publisher.go)

Publisher validates, encodes and publishes envelopes. Failures are returned as
*errors.PublishError and only the transport kind is retryable.

## Consumer Runners (registration.go)

RegisterConsumer binds a handler to a (topic, group) pair. A runner delivers
one envelope at a time per partition:

	RECEIVED -> DISPATCHED -> SUCCEEDED -> committed
	                       -> FAILED -> retried (same partition, blocking)
	                                 -> dead-lettered -> committed

A message is committed only once its handler succeeded or it reached the
dead-letter topic. If the dead-letter publish fails the message stays
uncommitted and the broker delivers it again.

## Failure Handling (classifier.go, retry.go, deadletter.go)

  - FailureClassifier: retryable or fatal
  - RetryScheduler: fixed delay between attempts, MaxRetries+1 invocations
  - DeadLetterRouter: publishes to <topic>-dlt with the original key,
    payload and failure headers
  - RegisterDeadLetterConsumer: an independent runner over a dead-letter topic

## Stats & Monitoring (models.go, resources.go, dlq_metrics.go, webui.go)

Per-runner latency percentiles, throughput, outcome counts and backlog, plus
Prometheus counters for dead-lettered, replayed and failed dead-letter
publishes. The web UI serves them at /api/runners and /api/dead-letters.

# Sub-packages

  - codec/: JSON, protobuf and Avro envelope codecs
  - config/: service configuration, defaults and environment loading
  - envelope/: the envelope type
  - errors/: sentinel errors and error types
  - handlers/: handler contexts
  - ids/: ULID generation
  - jsoncodec/: JSON helpers
  - logging/: logger interface and adapters
  - metadata/: header keys and helpers

# Usage Example

	svc, err := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = runtime.RegisterConsumer(svc, runtime.ConsumerRegistration{
		Topic: "contract-events",
		Group: "notification-group",
		Handler: func(ctx context.Context, evt handlers.EnvelopeContext) error {
			evt.Logger.Info("Contract signed", nil)
			return nil
		},
	})

	return svc.Start(ctx)
*/
package runtime
