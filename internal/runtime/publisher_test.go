package runtime

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codecpkg "github.com/drblury/policyflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
	"github.com/drblury/policyflow/transport/transporttest"
)

type failingCodec struct{ codecpkg.Codec }

func (failingCodec) Encode(context.Context, envelopepkg.Envelope) ([]byte, error) {
	return nil, &errspkg.SerializationError{Codec: "json", Op: "encode", Err: errors.New("unsupported value")}
}

func newTestPublisher(t *testing.T) (*Publisher, *transporttest.Publisher) {
	t.Helper()
	rec := &transporttest.Publisher{}
	pub, err := NewPublisher(rec, codecpkg.NewJSON())
	require.NoError(t, err)
	return pub, rec
}

func TestPublisherPublishesKeyedEnvelope(t *testing.T) {
	pub, rec := newTestPublisher(t)
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	env := sampleEnvelope("POL-42", envelopepkg.TypeContractSigned)
	ack, err := pub.Publish(context.Background(), testTopic, env, WithCorrelationID("corr-7"))
	require.NoError(t, err)

	assert.Equal(t, env.EventID, ack.EventID)
	assert.Equal(t, testTopic, ack.Topic)
	assert.Equal(t, "POL-42", ack.SubjectKey)
	assert.True(t, fixed.Equal(ack.PublishedAt))

	require.Len(t, rec.Messages[testTopic], 1)
	msg := rec.Messages[testTopic][0]
	assert.Equal(t, env.EventID, msg.UUID)
	assert.Equal(t, "POL-42", msg.Metadata.Get(metadatapkg.KeySubjectKey))
	assert.Equal(t, "corr-7", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, env.EventID, msg.Metadata.Get(metadatapkg.KeyEventID))
	assert.Equal(t, envelopepkg.TypeContractSigned, msg.Metadata.Get(metadatapkg.KeyEventType))
	assert.Equal(t, "application/json", msg.Metadata.Get(metadatapkg.KeyContentType))
	assert.Equal(t, "json", msg.Metadata.Get(metadatapkg.KeyCodec))
	assert.Equal(t, strconv.FormatInt(fixed.UnixMilli(), 10), msg.Metadata.Get(metadatapkg.KeyPublishedAt))

	decoded, err := codecpkg.NewJSON().Decode(context.Background(), msg.Payload)
	require.NoError(t, err)
	env.PublishedAtEpochMillis = fixed.UnixMilli()
	assert.True(t, env.Equal(decoded), "decoded %+v", decoded)
}

func TestPublisherAssignsEventIDAndCorrelationID(t *testing.T) {
	pub, rec := newTestPublisher(t)

	env := sampleEnvelope("POL-1", envelopepkg.TypeContractSigned)
	env.EventID = ""
	ack, err := pub.Publish(context.Background(), testTopic, env)
	require.NoError(t, err)

	assert.NotEmpty(t, ack.EventID)
	msg := rec.Messages[testTopic][0]
	assert.Equal(t, ack.EventID, msg.UUID)
	assert.NotEmpty(t, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
}

func TestPublisherReservedHeadersWin(t *testing.T) {
	pub, rec := newTestPublisher(t)

	env := sampleEnvelope("POL-1", envelopepkg.TypeContractSigned)
	_, err := pub.Publish(context.Background(), testTopic, env, WithMetadata(metadatapkg.New(
		metadatapkg.KeySubjectKey, "spoofed",
		"source", "batch-sign",
	)), nil)
	require.NoError(t, err)

	msg := rec.Messages[testTopic][0]
	assert.Equal(t, "POL-1", msg.Metadata.Get(metadatapkg.KeySubjectKey))
	assert.Equal(t, "batch-sign", msg.Metadata.Get("source"))
}

func TestPublisherRejectsInvalidEnvelopes(t *testing.T) {
	pub, rec := newTestPublisher(t)

	tests := []struct {
		name    string
		topic   string
		env     envelopepkg.Envelope
		wantErr error
	}{
		{"missing topic", "", sampleEnvelope("POL-1", envelopepkg.TypeContractSigned), errspkg.ErrTopicRequired},
		{"missing subject key", testTopic, sampleEnvelope("", envelopepkg.TypeContractSigned), errspkg.ErrSubjectKeyRequired},
		{"missing event type", testTopic, sampleEnvelope("POL-1", ""), errspkg.ErrEventTypeRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pub.Publish(context.Background(), tt.topic, tt.env)

			var perr *errspkg.PublishError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, errspkg.PublishErrorValidation, perr.Kind)
			assert.False(t, perr.Retryable())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, rec.Messages)
}

func TestPublisherReportsSerializationFailure(t *testing.T) {
	rec := &transporttest.Publisher{}
	pub, err := NewPublisher(rec, failingCodec{Codec: codecpkg.NewJSON()})
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), testTopic, sampleEnvelope("POL-1", envelopepkg.TypeContractSigned))

	var perr *errspkg.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errspkg.PublishErrorSerialization, perr.Kind)
	assert.False(t, perr.Retryable())
	assert.Empty(t, rec.Messages)
}

// unreachableRegistry times out on every call.
type unreachableRegistry struct{}

func (unreachableRegistry) Register(context.Context, string, string) (int, avro.Schema, error) {
	return 0, nil, context.DeadlineExceeded
}

func (unreachableRegistry) Lookup(context.Context, int) (avro.Schema, error) {
	return nil, context.DeadlineExceeded
}

func TestPublisherReportsUnreachableSchemaRegistryAsTransport(t *testing.T) {
	codec, err := codecpkg.NewAvro(unreachableRegistry{}, "")
	require.NoError(t, err)
	rec := &transporttest.Publisher{}
	pub, err := NewPublisher(rec, codec)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), testTopic, sampleEnvelope("POL-1", envelopepkg.TypeContractSigned))

	var perr *errspkg.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errspkg.PublishErrorTransport, perr.Kind)
	assert.True(t, perr.Retryable())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.Messages)
}

func TestPublisherReportsTransportFailure(t *testing.T) {
	pub, rec := newTestPublisher(t)
	brokerDown := errors.New("broker unreachable")
	rec.Err = brokerDown

	env := sampleEnvelope("POL-1", envelopepkg.TypeContractSigned)
	_, err := pub.Publish(context.Background(), testTopic, env)

	var perr *errspkg.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errspkg.PublishErrorTransport, perr.Kind)
	assert.Equal(t, env.EventID, perr.EventID)
	assert.True(t, perr.Retryable())

	var terr *errspkg.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, testTopic, terr.Topic)
	assert.ErrorIs(t, err, brokerDown)
}

func TestNewPublisherRequiresCollaborators(t *testing.T) {
	_, err := NewPublisher(nil, codecpkg.NewJSON())
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = NewPublisher(&transporttest.Publisher{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrCodecRequired)
}

func TestServicePublishDelegates(t *testing.T) {
	rec := &transporttest.Publisher{}
	svc := newTestService(t, ServiceDependencies{TransportBuilder: stubTransport(rec)})

	_, err := svc.Publish(context.Background(), testTopic, sampleEnvelope("POL-1", envelopepkg.TypeContractSigned))
	require.NoError(t, err)
	assert.Len(t, rec.Messages[testTopic], 1)

	var nilSvc *Service
	_, err = nilSvc.Publish(context.Background(), testTopic, sampleEnvelope("POL-1", envelopepkg.TypeContractSigned))
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)
}
