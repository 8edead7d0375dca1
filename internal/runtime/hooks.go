package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
)

// DeliveryContext describes one dispatch of an envelope to a consumer.
type DeliveryContext struct {
	// ConsumerName is the router handler name of the runner.
	ConsumerName string
	Topic        string
	Group        string

	EventID     string
	EventType   string
	SubjectKey  string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context

	// Attempt is 1 for the first dispatch.
	Attempt   int
	StartedAt time.Time
	// Duration is set for OnSucceeded, OnRetry and OnDeadLettered.
	Duration time.Duration
}

// DeliveryHooks are optional callbacks around the envelope lifecycle. Nil hooks
// are skipped.
type DeliveryHooks struct {
	// OnDispatch runs before every handler invocation, retries included.
	OnDispatch func(ctx DeliveryContext)

	// OnSucceeded runs once the handler returned nil and the envelope is about
	// to be committed.
	OnSucceeded func(ctx DeliveryContext)

	// OnRetry runs after a retryable failure, before the retry delay.
	OnRetry func(ctx DeliveryContext, err error, delay time.Duration)

	// OnDeadLettered runs after the envelope was written to its dead-letter topic.
	OnDeadLettered func(ctx DeliveryContext, record DeadLetterRecord)
}

// Merge combines two hook sets. The hooks from other run after the hooks from h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDispatch:     chainHooks(h.OnDispatch, other.OnDispatch),
		OnSucceeded:    chainHooks(h.OnSucceeded, other.OnSucceeded),
		OnRetry:        chainHooks3(h.OnRetry, other.OnRetry),
		OnDeadLettered: chainHooks2(h.OnDeadLettered, other.OnDeadLettered),
	}
}

// AlertHooks reach an operator. They fire on conditions a log line alone must
// not be trusted with.
type AlertHooks struct {
	// OnDeadLetterPublishFailure runs when an exhausted envelope could not be
	// written to its dead-letter topic. The source message stays uncommitted.
	OnDeadLetterPublishFailure func(record DeadLetterRecord, err error)

	// OnDeadLetterReceived runs for every record seen by the default
	// dead-letter consumer.
	OnDeadLetterReceived func(record DeadLetterRecord)
}

// Merge combines two alert sets. The hooks from other run after the hooks from a.
func (a AlertHooks) Merge(other AlertHooks) AlertHooks {
	return AlertHooks{
		OnDeadLetterPublishFailure: chainHooks2(a.OnDeadLetterPublishFailure, other.OnDeadLetterPublishFailure),
		OnDeadLetterReceived:       chainHooks(a.OnDeadLetterReceived, other.OnDeadLetterReceived),
	}
}

func chainHooks[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chainHooks2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chainHooks3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

func (d DeliveryContext) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"consumer":       d.ConsumerName,
		"topic":          d.Topic,
		"consumer_group": d.Group,
		"event_id":       d.EventID,
		"event_type":     d.EventType,
		"subject_key":    d.SubjectKey,
		"attempt":        d.Attempt,
	}
}

// LoggingHooks returns hooks that log every step of the delivery lifecycle at
// debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDispatch: func(ctx DeliveryContext) {
			logger.Debug("Dispatching envelope", ctx.logFields())
		},
		OnSucceeded: func(ctx DeliveryContext) {
			logger.Debug("Envelope handled", ctx.logFields().Merge(loggingpkg.LogFields{
				"duration_ms": ctx.Duration.Milliseconds(),
			}))
		},
		OnRetry: func(ctx DeliveryContext, err error, delay time.Duration) {
			logger.Debug("Envelope will be retried", ctx.logFields().Merge(loggingpkg.LogFields{
				"error":    err.Error(),
				"delay_ms": delay.Milliseconds(),
			}))
		},
		OnDeadLettered: func(ctx DeliveryContext, record DeadLetterRecord) {
			logger.Debug("Envelope dead-lettered", ctx.logFields().Merge(loggingpkg.LogFields{
				"failure_kind": record.FailureKind.String(),
				"attempts":     record.AttemptsExhausted,
			}))
		},
	}
}

// MetricsHooks returns hooks that report lifecycle events to caller supplied counters.
func MetricsHooks(onDispatch, onSucceeded, onRetry, onDeadLettered func(consumer, topic string)) DeliveryHooks {
	call := func(fn func(string, string), ctx DeliveryContext) {
		if fn != nil {
			fn(ctx.ConsumerName, ctx.Topic)
		}
	}
	return DeliveryHooks{
		OnDispatch:  func(ctx DeliveryContext) { call(onDispatch, ctx) },
		OnSucceeded: func(ctx DeliveryContext) { call(onSucceeded, ctx) },
		OnRetry: func(ctx DeliveryContext, _ error, _ time.Duration) {
			call(onRetry, ctx)
		},
		OnDeadLettered: func(ctx DeliveryContext, _ DeadLetterRecord) {
			call(onDeadLettered, ctx)
		},
	}
}
