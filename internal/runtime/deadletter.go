package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	idspkg "github.com/drblury/policyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

// DeadLetterRecord is an exhausted envelope together with the reason it was
// given up on. Payload holds the original encoded bytes, so a record can be
// replayed even when the envelope itself never decoded.
type DeadLetterRecord struct {
	Payload  []byte
	Metadata metadatapkg.Metadata

	OriginalTopic     string
	ConsumerGroup     string
	SubjectKey        string
	EventID           string
	FailureReason     string
	FailureKind       Classification
	AttemptsExhausted int
	FailedAt          time.Time
}

// partitionKey keeps the original key. Messages that never carried one fall
// back to the event ID so the dead-letter publish can still be keyed.
func (r DeadLetterRecord) partitionKey() string {
	if key := r.Metadata[metadatapkg.KeySubjectKey]; key != "" {
		return key
	}
	if r.SubjectKey != "" {
		return r.SubjectKey
	}
	return r.EventID
}

func (r DeadLetterRecord) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"original_topic": r.OriginalTopic,
		"consumer_group": r.ConsumerGroup,
		"subject_key":    r.partitionKey(),
		"event_id":       r.EventID,
		"failure_kind":   r.FailureKind.String(),
		"failure_reason": r.FailureReason,
		"attempts":       r.AttemptsExhausted,
	}
}

func (r DeadLetterRecord) toMessage() *message.Message {
	md := r.Metadata.WithAll(metadatapkg.Metadata{
		metadatapkg.KeySubjectKey:       r.partitionKey(),
		metadatapkg.KeyDLTOriginalTopic: r.OriginalTopic,
		metadatapkg.KeyDLTFailureReason: r.FailureReason,
		metadatapkg.KeyDLTFailureKind:   r.FailureKind.String(),
		metadatapkg.KeyDLTAttempts:      strconv.Itoa(r.AttemptsExhausted),
		metadatapkg.KeyDLTConsumerGroup: r.ConsumerGroup,
		metadatapkg.KeyDLTFailedAt:      r.FailedAt.UTC().Format(time.RFC3339Nano),
	})
	if r.EventID != "" {
		md[metadatapkg.KeyEventID] = r.EventID
	}

	msg := message.NewMessage(idspkg.CreateULID(), r.Payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// DeadLetterRecordFromMessage reads a record back from a dead-letter message.
func DeadLetterRecordFromMessage(msg *message.Message) (DeadLetterRecord, error) {
	if msg == nil {
		return DeadLetterRecord{}, errors.New("policyflow: dead letter message is nil")
	}
	md := metadatapkg.FromWatermill(msg.Metadata)

	original := md[metadatapkg.KeyDLTOriginalTopic]
	if original == "" {
		return DeadLetterRecord{}, fmt.Errorf("policyflow: message %s has no %s header", msg.UUID, metadatapkg.KeyDLTOriginalTopic)
	}

	rec := DeadLetterRecord{
		Payload:       append([]byte(nil), msg.Payload...),
		Metadata:      md,
		OriginalTopic: original,
		ConsumerGroup: md[metadatapkg.KeyDLTConsumerGroup],
		SubjectKey:    md[metadatapkg.KeySubjectKey],
		EventID:       md[metadatapkg.KeyEventID],
		FailureReason: md[metadatapkg.KeyDLTFailureReason],
		FailureKind:   Classification(md[metadatapkg.KeyDLTFailureKind]),
	}

	if raw := md[metadatapkg.KeyDLTAttempts]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return DeadLetterRecord{}, fmt.Errorf("policyflow: invalid %s header %q: %w", metadatapkg.KeyDLTAttempts, raw, err)
		}
		rec.AttemptsExhausted = attempts
	}
	if raw := md[metadatapkg.KeyDLTFailedAt]; raw != "" {
		failedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return DeadLetterRecord{}, fmt.Errorf("policyflow: invalid %s header %q: %w", metadatapkg.KeyDLTFailedAt, raw, err)
		}
		rec.FailedAt = failedAt
	}

	return rec, nil
}

// DeadLetterRouter writes exhausted envelopes to the dead-letter topic of the
// topic they came from.
type DeadLetterRouter struct {
	publisher message.Publisher
	suffix    string
	logger    loggingpkg.ServiceLogger
	metrics   *DLQMetrics
	alerts    AlertHooks
}

// NewDeadLetterRouter returns a router publishing to topic+suffix. metrics may be nil.
func NewDeadLetterRouter(publisher message.Publisher, suffix string, logger loggingpkg.ServiceLogger, metrics *DLQMetrics, alerts AlertHooks) *DeadLetterRouter {
	return &DeadLetterRouter{
		publisher: publisher,
		suffix:    suffix,
		logger:    logger,
		metrics:   metrics,
		alerts:    alerts,
	}
}

// TopicFor returns the dead-letter topic paired with topic.
func (r *DeadLetterRouter) TopicFor(topic string) string {
	return topic + r.suffix
}

// Route publishes rec to the dead-letter topic of rec.OriginalTopic. A failed
// publish is logged, alerted and returned as a DeadLetterPublishError; callers
// must leave the source message uncommitted.
func (r *DeadLetterRouter) Route(ctx context.Context, rec DeadLetterRecord) error {
	if rec.OriginalTopic == "" {
		return errspkg.ErrTopicRequired
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}

	topic := r.TopicFor(rec.OriginalTopic)
	msg := rec.toMessage()
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := r.publisher.Publish(topic, msg); err != nil {
		dlErr := &errspkg.DeadLetterPublishError{Topic: topic, OriginalTopic: rec.OriginalTopic, Err: err}
		r.logger.Error("Dead letter publish failed, message left uncommitted", dlErr, rec.logFields().Merge(loggingpkg.LogFields{
			"dead_letter_topic": topic,
		}))
		if r.metrics != nil {
			r.metrics.RecordPublishFailure(rec.OriginalTopic)
		}
		if r.alerts.OnDeadLetterPublishFailure != nil {
			r.alerts.OnDeadLetterPublishFailure(rec, dlErr)
		}
		return dlErr
	}

	r.logger.Info("Envelope routed to dead letter topic", rec.logFields().Merge(loggingpkg.LogFields{
		"dead_letter_topic": topic,
	}))
	if r.metrics != nil {
		r.metrics.RecordMessageToDLQ(rec.OriginalTopic, rec.ConsumerGroup, rec.AttemptsExhausted, envelopeAge(rec.EventID, rec.FailedAt))
	}
	return nil
}

// envelopeAge measures from the ULID timestamp of the event ID.
func envelopeAge(eventID string, at time.Time) time.Duration {
	created, ok := idspkg.Time(eventID)
	if !ok {
		return 0
	}
	if age := at.Sub(created); age > 0 {
		return age
	}
	return 0
}

// DeadLetterHandler processes one record read from a dead-letter topic.
type DeadLetterHandler func(ctx context.Context, rec DeadLetterRecord) error

// DeadLetterConsumerRegistration binds a handler to the dead-letter topic of Topic.
type DeadLetterConsumerRegistration struct {
	Name string
	// Topic is the primary topic. The consumer reads Topic's dead-letter topic.
	Topic string
	Group string
	// Handler defaults to logging the record and firing AlertHooks.OnDeadLetterReceived.
	Handler DeadLetterHandler
}

// RegisterDeadLetterConsumer starts an independent runner over the dead-letter
// topic of cfg.Topic. Records are never fed back into the primary pipeline.
func RegisterDeadLetterConsumer(svc *Service, cfg DeadLetterConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Group == "" {
		return errspkg.ErrConsumerGroupRequired
	}

	handler := cfg.Handler
	if handler == nil {
		handler = svc.logDeadLetter
	}

	topic := svc.deadLetters.TopicFor(cfg.Topic)
	name := cfg.Name
	if name == "" {
		name = consumerName(topic, cfg.Group)
	}

	return svc.addConsumer(consumerBinding{
		name:        name,
		topic:       topic,
		group:       cfg.Group,
		sourceTopic: cfg.Topic,
		handle: func(msg *message.Message, stats *ConsumerStats) error {
			return svc.deliverDeadLetter(name, handler, msg, stats)
		},
	})
}

func (s *Service) deliverDeadLetter(name string, handler DeadLetterHandler, msg *message.Message, stats *ConsumerStats) error {
	start := time.Now()
	invocation := stats.onMessageStart(msg)

	rec, err := DeadLetterRecordFromMessage(msg)
	if err == nil {
		err = handler(msg.Context(), rec)
	}

	outcome := Outcome{Err: err, Invocations: 1}
	if err != nil {
		outcome.Classification = Retryable
		s.Logger.Error("Dead letter handler failed", err, loggingpkg.LogFields{
			"consumer":     name,
			"message_uuid": msg.UUID,
		})
	}
	stats.onMessageFinish(invocation, time.Since(start), outcome, nil)
	return err
}

// DeadLetterLogger returns the handler used when a dead-letter consumer is
// registered without one. Custom handlers can call it to keep the log line
// and the OnDeadLetterReceived alert.
func (s *Service) DeadLetterLogger() DeadLetterHandler {
	return s.logDeadLetter
}

func (s *Service) logDeadLetter(_ context.Context, rec DeadLetterRecord) error {
	s.Logger.Error("Dead letter received", errors.New(rec.FailureReason), rec.logFields().Merge(loggingpkg.LogFields{
		"failed_at": rec.FailedAt,
	}))
	if s.alerts.OnDeadLetterReceived != nil {
		s.alerts.OnDeadLetterReceived(rec)
	}
	return nil
}

// ReplayDeadLetter republishes the original bytes of rec to its original topic.
// It is a deliberate operator action and is never triggered by the pipeline.
func (s *Service) ReplayDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if rec.OriginalTopic == "" {
		return errspkg.ErrTopicRequired
	}

	md := rec.Metadata.Without(metadatapkg.DeadLetterKeys()...)
	md[metadatapkg.KeyReplayedFrom] = s.deadLetters.TopicFor(rec.OriginalTopic)
	if md[metadatapkg.KeySubjectKey] == "" {
		md[metadatapkg.KeySubjectKey] = rec.partitionKey()
	}

	msg := message.NewMessage(idspkg.CreateULID(), rec.Payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := s.publisher.Publish(rec.OriginalTopic, msg); err != nil {
		return &errspkg.TransportError{Topic: rec.OriginalTopic, Err: err}
	}

	s.dlqMetrics.RecordMessageReplayed(rec.OriginalTopic)
	s.Logger.Info("Dead letter replayed", rec.logFields())
	return nil
}
