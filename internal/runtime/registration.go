package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/policyflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

// ConsumerRegistration binds one handler to one (topic, consumer group) pair.
type ConsumerRegistration struct {
	// Name identifies the runner in logs and stats. Defaults to "<group>@<topic>".
	Name    string
	Topic   string
	Group   string
	Handler handlerpkg.EnvelopeHandler
}

type consumerKey struct {
	topic string
	group string
}

type consumerBinding struct {
	name  string
	topic string
	group string
	// sourceTopic is the primary topic to provision; it differs from topic for
	// dead-letter consumers.
	sourceTopic     string
	deadLetterTopic string
	handle          func(msg *message.Message, stats *ConsumerStats) error
}

func consumerName(topic, group string) string {
	return fmt.Sprintf("%s@%s", group, topic)
}

// RegisterConsumer adds a runner for cfg.Group on cfg.Topic. Every group gets
// its own subscriber, so each group sees every envelope published to the topic.
func RegisterConsumer(svc *Service, cfg ConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Group == "" {
		return errspkg.ErrConsumerGroupRequired
	}
	if cfg.Name == "" {
		cfg.Name = consumerName(cfg.Topic, cfg.Group)
	}

	return svc.addConsumer(consumerBinding{
		name:            cfg.Name,
		topic:           cfg.Topic,
		group:           cfg.Group,
		sourceTopic:     cfg.Topic,
		deadLetterTopic: svc.deadLetters.TopicFor(cfg.Topic),
		handle: func(msg *message.Message, stats *ConsumerStats) error {
			return svc.deliver(cfg, msg, stats)
		},
	})
}

func (s *Service) addConsumer(b consumerBinding) error {
	key := consumerKey{topic: b.topic, group: b.group}

	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	if _, exists := s.consumerIndex[key]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateConsumer, consumerName(b.topic, b.group))
	}

	subscriber, err := s.newSubscriber(b.group)
	if err != nil {
		return fmt.Errorf("policyflow: subscriber for group %q: %w", b.group, err)
	}

	stats := newConsumerStats(b.name, b.topic, b.deadLetterTopic, s.getProcessSampler())
	info := &ConsumerInfo{
		Name:            b.name,
		Topic:           b.topic,
		Group:           b.group,
		DeadLetterTopic: b.deadLetterTopic,
		Stats:           stats,
	}
	s.consumerIndex[key] = info
	s.consumers = append(s.consumers, info)
	s.sourceTopics[b.sourceTopic] = struct{}{}

	s.router.AddConsumerHandler(b.name, b.topic, subscriber, func(msg *message.Message) error {
		return b.handle(msg, stats)
	})

	s.Logger.Info("Consumer registered", loggingpkg.LogFields{
		"consumer":       b.name,
		"topic":          b.topic,
		"consumer_group": b.group,
	})
	return nil
}

// deliver runs one envelope through RECEIVED, DISPATCHED and SUCCEEDED or
// FAILED. A nil return commits the message; any error leaves it uncommitted.
func (s *Service) deliver(cfg ConsumerRegistration, msg *message.Message, stats *ConsumerStats) error {
	ctx := msg.Context()
	start := time.Now()
	invocation := stats.onMessageStart(msg)

	delivery := DeliveryContext{
		ConsumerName: cfg.Name,
		Topic:        cfg.Topic,
		Group:        cfg.Group,
		MessageUUID:  msg.UUID,
		Metadata:     msg.Metadata,
		Context:      ctx,
		StartedAt:    start,
	}

	attempt := &DeliveryAttempt{Consumer: cfg.Name, Topic: cfg.Topic, Group: cfg.Group}
	outcome := s.retry.Schedule(ctx, attempt, s.dispatcher(cfg, msg, &delivery))
	env := attempt.Envelope
	delivery.Attempt = outcome.Invocations
	delivery.Duration = time.Since(start)

	dlErr := s.settle(ctx, cfg, msg, env, outcome, delivery)
	stats.onMessageFinish(invocation, delivery.Duration, outcome, dlErr)

	switch {
	case dlErr != nil:
		return dlErr
	case outcome.Aborted:
		return outcome.Err
	default:
		return nil
	}
}

// dispatcher decodes the message on the first attempt that gets that far, then
// invokes the handler. A decode failure goes through the same classifier as a
// handler error, so an unreachable schema registry is retried and malformed
// bytes are dead-lettered at once.
func (s *Service) dispatcher(cfg ConsumerRegistration, msg *message.Message, delivery *DeliveryContext) Dispatch {
	md := metadatapkg.FromWatermill(msg.Metadata)
	decoded := false

	return func(ctx context.Context, attempt *DeliveryAttempt) error {
		if !decoded {
			env, err := s.codec.Decode(ctx, msg.Payload)
			if err != nil {
				return err
			}
			decoded = true
			attempt.Envelope = env
			delivery.EventID = env.EventID
			delivery.EventType = env.EventType
			delivery.SubjectKey = env.SubjectKey
		}

		event := handlerpkg.EnvelopeContext{
			MessageContextBase: handlerpkg.MessageContextBase{Metadata: md.Clone()},
			Envelope:           attempt.Envelope.Clone(),
			Topic:              cfg.Topic,
			Group:              cfg.Group,
			Attempt:            attempt.AttemptCount + 1,
		}
		event.Logger = s.Logger.With(event.LogFields())

		if s.hooks.OnDispatch != nil {
			delivery.Attempt = event.Attempt
			s.hooks.OnDispatch(*delivery)
		}

		invoke := middleware.Recoverer(func(*message.Message) ([]*message.Message, error) {
			return nil, cfg.Handler(ctx, event)
		})
		_, err := invoke(msg)
		return err
	}
}

// settle acts on the outcome. It returns the dead-letter routing error, if any.
func (s *Service) settle(ctx context.Context, cfg ConsumerRegistration, msg *message.Message, env envelopepkg.Envelope, outcome Outcome, delivery DeliveryContext) error {
	fields := loggingpkg.LogFields{
		"consumer":       cfg.Name,
		"topic":          cfg.Topic,
		"consumer_group": cfg.Group,
		"event_id":       env.EventID,
		"event_type":     env.EventType,
		"subject_key":    env.SubjectKey,
		"attempt":        outcome.Invocations,
	}

	switch {
	case outcome.Succeeded():
		if s.hooks.OnSucceeded != nil {
			s.hooks.OnSucceeded(delivery)
		}
		return nil

	case outcome.Aborted:
		s.Logger.Info("Delivery interrupted, message left uncommitted", fields.Merge(loggingpkg.LogFields{
			"error": outcome.Err.Error(),
		}))
		return nil

	case outcome.DeadLetter():
		s.Logger.Error("Envelope failed permanently", outcome.Err, fields.Merge(loggingpkg.LogFields{
			"failure_kind": outcome.Classification.String(),
			"retries":      outcome.Attempts,
		}))

		rec := DeadLetterRecord{
			Payload:           msg.Payload,
			Metadata:          metadatapkg.FromWatermill(msg.Metadata),
			OriginalTopic:     cfg.Topic,
			ConsumerGroup:     cfg.Group,
			SubjectKey:        env.SubjectKey,
			EventID:           env.EventID,
			FailureReason:     outcome.Err.Error(),
			FailureKind:       outcome.Classification,
			AttemptsExhausted: outcome.Attempts,
			FailedAt:          time.Now().UTC(),
		}
		if rec.EventID == "" {
			rec.EventID = msg.Metadata.Get(metadatapkg.KeyEventID)
		}
		if rec.EventID == "" {
			rec.EventID = msg.UUID
		}
		if err := s.deadLetters.Route(ctx, rec); err != nil {
			return err
		}
		if s.hooks.OnDeadLettered != nil {
			s.hooks.OnDeadLettered(delivery, rec)
		}
		return nil
	}
	return nil
}

func (s *Service) onRetry(ctx context.Context, attempt *DeliveryAttempt, delay time.Duration) {
	fields := loggingpkg.LogFields{
		"consumer":       attempt.Consumer,
		"topic":          attempt.Topic,
		"consumer_group": attempt.Group,
		"event_id":       attempt.Envelope.EventID,
		"subject_key":    attempt.Envelope.SubjectKey,
		"attempt":        attempt.AttemptCount + 1,
		"delay_ms":       delay.Milliseconds(),
	}
	var err error
	if attempt.LastError != nil {
		err = attempt.LastError.Err
		fields["failure_kind"] = attempt.LastError.Classification.String()
	}
	s.Logger.Info("Handler failed, retrying", fields.Merge(loggingpkg.LogFields{"error": fmt.Sprint(err)}))

	if s.hooks.OnRetry != nil {
		s.hooks.OnRetry(DeliveryContext{
			ConsumerName: attempt.Consumer,
			Topic:        attempt.Topic,
			Group:        attempt.Group,
			EventID:      attempt.Envelope.EventID,
			EventType:    attempt.Envelope.EventType,
			SubjectKey:   attempt.Envelope.SubjectKey,
			Context:      ctx,
			Attempt:      attempt.AttemptCount + 1,
		}, err, delay)
	}
}
