package runtime

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	codecpkg "github.com/drblury/policyflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	idspkg "github.com/drblury/policyflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

// Ack confirms that the broker accepted an envelope.
type Ack struct {
	EventID     string
	Topic       string
	SubjectKey  string
	PublishedAt time.Time
}

// Producer emits envelopes onto the configured transport.
type Producer interface {
	Publish(ctx context.Context, topic string, env envelopepkg.Envelope, opts ...PublishOption) (Ack, error)
}

type publishOptions struct {
	correlationID string
	metadata      metadatapkg.Metadata
}

// PublishOption customises a single publish.
type PublishOption func(*publishOptions)

// WithCorrelationID sets the correlation ID header. A new one is generated otherwise.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithMetadata adds custom headers. Reserved keys written by the publisher win.
func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) {
		o.metadata = o.metadata.WithAll(md)
	}
}

// Publisher encodes envelopes and appends them to a topic keyed by subject key.
// It holds no locks, so concurrent publishes only contend inside the broker client.
type Publisher struct {
	publisher message.Publisher
	codec     codecpkg.Codec
	tracer    trace.Tracer
	now       func() time.Time
}

// NewPublisher pairs a Watermill publisher with a codec.
func NewPublisher(publisher message.Publisher, codec codecpkg.Codec) (*Publisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if codec == nil {
		return nil, errspkg.ErrCodecRequired
	}
	return &Publisher{
		publisher: publisher,
		codec:     codec,
		tracer:    otel.Tracer("policyflow/publisher"),
		now:       time.Now,
	}, nil
}

// Publish validates env, stamps its publish time, encodes it and writes it to
// topic. Failures are *errors.PublishError; only the transport kind is worth
// retrying, and a retry may produce a duplicate delivery.
func (p *Publisher) Publish(ctx context.Context, topic string, env envelopepkg.Envelope, opts ...PublishOption) (Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if env.EventID == "" {
		env.EventID = idspkg.CreateULID()
	}

	ctx, span := p.tracer.Start(ctx, "PublishEnvelope", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.String("policyflow.event_id", env.EventID),
		attribute.String("policyflow.event_type", env.EventType),
		attribute.String("policyflow.subject_key", env.SubjectKey),
		attribute.String("policyflow.codec", p.codec.Name()),
	)

	ack, err := p.publish(ctx, topic, env, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ack, err
}

func (p *Publisher) publish(ctx context.Context, topic string, env envelopepkg.Envelope, opts []PublishOption) (Ack, error) {
	if topic == "" {
		return Ack{}, &errspkg.PublishError{Kind: errspkg.PublishErrorValidation, EventID: env.EventID, Err: errspkg.ErrTopicRequired}
	}
	if err := env.Validate(); err != nil {
		return Ack{}, &errspkg.PublishError{Kind: errspkg.PublishErrorValidation, EventID: env.EventID, Err: err}
	}

	var options publishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.correlationID == "" {
		options.correlationID = idspkg.CreateULID()
	}

	publishedAt := p.now().UTC()
	env.PublishedAtEpochMillis = publishedAt.UnixMilli()

	payload, err := p.codec.Encode(ctx, env)
	if err != nil {
		kind := errspkg.PublishErrorSerialization
		var terr *errspkg.TransportError
		if errors.As(err, &terr) {
			kind = errspkg.PublishErrorTransport
		}
		return Ack{}, &errspkg.PublishError{Kind: kind, EventID: env.EventID, Err: err}
	}

	md := options.metadata.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyCorrelationID: options.correlationID,
		metadatapkg.KeyEventID:       env.EventID,
		metadatapkg.KeyEventType:     env.EventType,
		metadatapkg.KeySubjectKey:    env.SubjectKey,
		metadatapkg.KeyContentType:   p.codec.ContentType(),
		metadatapkg.KeyCodec:         p.codec.Name(),
		metadatapkg.KeyPublishedAt:   strconv.FormatInt(env.PublishedAtEpochMillis, 10),
	})

	msg := message.NewMessage(env.EventID, payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return Ack{}, &errspkg.PublishError{
			Kind:    errspkg.PublishErrorTransport,
			EventID: env.EventID,
			Err:     &errspkg.TransportError{Topic: topic, Err: err},
		}
	}

	return Ack{
		EventID:     env.EventID,
		Topic:       topic,
		SubjectKey:  env.SubjectKey,
		PublishedAt: time.UnixMilli(env.PublishedAtEpochMillis).UTC(),
	}, nil
}

// Publish sends env through the service publisher so HTTP handlers and feeders
// never touch the Watermill APIs directly.
func (s *Service) Publish(ctx context.Context, topic string, env envelopepkg.Envelope, opts ...PublishOption) (Ack, error) {
	if s == nil {
		return Ack{}, errspkg.ErrServiceRequired
	}
	return s.envelopes.Publish(ctx, topic, env, opts...)
}
