package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codecpkg "github.com/drblury/policyflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/policyflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
	"github.com/drblury/policyflow/transport/transporttest"
)

func noopHandler(context.Context, handlerpkg.EnvelopeContext) error { return nil }

func TestRegisterConsumerValidation(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{TransportBuilder: stubTransport(&transporttest.Publisher{})})

	tests := []struct {
		name    string
		svc     *Service
		cfg     ConsumerRegistration
		wantErr error
	}{
		{"nil service", nil, ConsumerRegistration{Topic: testTopic, Group: "g", Handler: noopHandler}, errspkg.ErrServiceRequired},
		{"nil handler", svc, ConsumerRegistration{Topic: testTopic, Group: "g"}, errspkg.ErrHandlerRequired},
		{"missing topic", svc, ConsumerRegistration{Group: "g", Handler: noopHandler}, errspkg.ErrTopicRequired},
		{"missing group", svc, ConsumerRegistration{Topic: testTopic, Handler: noopHandler}, errspkg.ErrConsumerGroupRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, RegisterConsumer(tt.svc, tt.cfg), tt.wantErr)
		})
	}
}

func TestRegisterConsumerRejectsDuplicates(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{TransportBuilder: stubTransport(&transporttest.Publisher{})})

	cfg := ConsumerRegistration{Topic: testTopic, Group: "notification-group", Handler: noopHandler}
	require.NoError(t, RegisterConsumer(svc, cfg))

	err := RegisterConsumer(svc, cfg)
	assert.ErrorIs(t, err, errspkg.ErrDuplicateConsumer)

	cfg.Group = "document-group"
	assert.NoError(t, RegisterConsumer(svc, cfg), "another group on the same topic is independent")
}

func TestRegisterConsumerRecordsRunner(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{TransportBuilder: stubTransport(&transporttest.Publisher{})})

	require.NoError(t, RegisterConsumer(svc, ConsumerRegistration{Topic: testTopic, Group: "notification-group", Handler: noopHandler}))
	require.NoError(t, RegisterDeadLetterConsumer(svc, DeadLetterConsumerRegistration{Topic: testTopic, Group: "insurance-group-dlq-test-dlt"}))

	consumers := svc.Consumers()
	require.Len(t, consumers, 2)

	assert.Equal(t, "notification-group@contract-events", consumers[0].Name)
	assert.Equal(t, testTopic, consumers[0].Topic)
	assert.Equal(t, "contract-events-dlt", consumers[0].DeadLetterTopic)
	assert.NotNil(t, consumers[0].Stats)

	assert.Equal(t, "insurance-group-dlq-test-dlt@contract-events-dlt", consumers[1].Name)
	assert.Equal(t, "contract-events-dlt", consumers[1].Topic)
	assert.Empty(t, consumers[1].DeadLetterTopic)

	assert.Equal(t, []string{testTopic}, svc.registeredSourceTopics())
}

func TestRegisterDeadLetterConsumerValidation(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{TransportBuilder: stubTransport(&transporttest.Publisher{})})

	assert.ErrorIs(t, RegisterDeadLetterConsumer(nil, DeadLetterConsumerRegistration{Topic: testTopic, Group: "g"}), errspkg.ErrServiceRequired)
	assert.ErrorIs(t, RegisterDeadLetterConsumer(svc, DeadLetterConsumerRegistration{Group: "g"}), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, RegisterDeadLetterConsumer(svc, DeadLetterConsumerRegistration{Topic: testTopic}), errspkg.ErrConsumerGroupRequired)
}

// deliveryFixture runs deliver directly so outcomes can be checked without a router.
type deliveryFixture struct {
	svc   *Service
	pub   *transporttest.Publisher
	cfg   ConsumerRegistration
	stats *ConsumerStats

	mu    sync.Mutex
	calls []handlerpkg.EnvelopeContext
}

func newDeliveryFixture(t *testing.T, deps ServiceDependencies, handle func(handlerpkg.EnvelopeContext) error) *deliveryFixture {
	t.Helper()
	f := &deliveryFixture{pub: &transporttest.Publisher{}}
	deps.TransportBuilder = stubTransport(f.pub)
	f.svc = newTestService(t, deps)
	f.cfg = ConsumerRegistration{
		Name:  "insurance-group-dlq-test@contract-events",
		Topic: testTopic,
		Group: "insurance-group-dlq-test",
		Handler: func(_ context.Context, evt handlerpkg.EnvelopeContext) error {
			f.mu.Lock()
			f.calls = append(f.calls, evt)
			f.mu.Unlock()
			return handle(evt)
		},
	}
	f.stats = newConsumerStats(f.cfg.Name, f.cfg.Topic, f.svc.DeadLetterTopic(f.cfg.Topic), nil)
	return f
}

func (f *deliveryFixture) deliver(msg *message.Message) error {
	return f.svc.deliver(f.cfg, msg, f.stats)
}

func (f *deliveryFixture) deadLetters() []*message.Message {
	return f.pub.Messages["contract-events-dlt"]
}

func TestDeliverSuccessCommits(t *testing.T) {
	f := newDeliveryFixture(t, ServiceDependencies{}, func(handlerpkg.EnvelopeContext) error { return nil })
	env := sampleEnvelope("POL-1", envelopepkg.TypeContractSigned)

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, env)))

	require.Len(t, f.calls, 1)
	call := f.calls[0]
	assert.Equal(t, 1, call.Attempt)
	assert.Equal(t, testTopic, call.Topic)
	assert.Equal(t, "insurance-group-dlq-test", call.Group)
	assert.Equal(t, env.EventID, call.Envelope.EventID)
	assert.Equal(t, "POL-1", call.SubjectKey())
	assert.NotEmpty(t, call.CorrelationID())
	assert.NotNil(t, call.Logger)
	assert.Empty(t, f.deadLetters())
	assert.Equal(t, uint64(1), f.stats.MessagesProcessed)
	assert.Zero(t, f.stats.MessagesFailed)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	f := newDeliveryFixture(t, ServiceDependencies{}, func(evt handlerpkg.EnvelopeContext) error {
		if evt.Attempt < 3 {
			return errors.New("mail server busy")
		}
		return nil
	})

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, sampleEnvelope("POL-1", envelopepkg.TypeContractSigned))))

	require.Len(t, f.calls, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{f.calls[0].Attempt, f.calls[1].Attempt, f.calls[2].Attempt})
	assert.Empty(t, f.deadLetters())
	assert.Equal(t, uint64(3), f.stats.HandlerInvocations)
}

func TestDeliverDeadLettersAfterRetriesAreExhausted(t *testing.T) {
	var (
		deadLettered []DeadLetterRecord
		retries      int
	)
	hooks := DeliveryHooks{
		OnRetry:        func(DeliveryContext, error, time.Duration) { retries++ },
		OnDeadLettered: func(_ DeliveryContext, rec DeadLetterRecord) { deadLettered = append(deadLettered, rec) },
	}
	f := newDeliveryFixture(t, ServiceDependencies{DeliveryHooks: hooks}, func(handlerpkg.EnvelopeContext) error {
		return errors.New("FAIL: simulated failure for dlq testing")
	})
	env := sampleEnvelope("FAIL-7", envelopepkg.TypeContractSigned)
	msg := encodedMessage(t, f.svc, env)

	require.NoError(t, f.deliver(msg), "a dead-lettered message is committed")

	assert.Len(t, f.calls, 3)
	assert.Equal(t, 2, retries)
	require.Len(t, f.deadLetters(), 1)
	dlt := f.deadLetters()[0]
	assert.Equal(t, []byte(msg.Payload), []byte(dlt.Payload))
	assert.Equal(t, "FAIL-7", dlt.Metadata.Get(metadatapkg.KeySubjectKey))
	assert.Equal(t, "2", dlt.Metadata.Get(metadatapkg.KeyDLTAttempts))
	assert.Equal(t, "retryable", dlt.Metadata.Get(metadatapkg.KeyDLTFailureKind))
	assert.Equal(t, testTopic, dlt.Metadata.Get(metadatapkg.KeyDLTOriginalTopic))
	assert.Contains(t, dlt.Metadata.Get(metadatapkg.KeyDLTFailureReason), "FAIL: simulated")

	require.Len(t, deadLettered, 1)
	assert.Equal(t, env.EventID, deadLettered[0].EventID)
	assert.Equal(t, uint64(1), f.stats.Errors.DeadLettered)
	assert.Equal(t, uint64(1), f.stats.MessagesFailed)
	assert.Equal(t, uint64(1), f.svc.DLQMetrics().GetSnapshot().TotalMessages)
}

func TestDeliverDeadLettersFatalFailureWithoutRetry(t *testing.T) {
	f := newDeliveryFixture(t, ServiceDependencies{}, func(handlerpkg.EnvelopeContext) error {
		return fmt.Errorf("premium missing: %w", errspkg.ErrUnprocessable)
	})

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, sampleEnvelope("POL-3", envelopepkg.TypeContractSigned))))

	assert.Len(t, f.calls, 1)
	require.Len(t, f.deadLetters(), 1)
	dlt := f.deadLetters()[0]
	assert.Equal(t, "0", dlt.Metadata.Get(metadatapkg.KeyDLTAttempts))
	assert.Equal(t, "fatal", dlt.Metadata.Get(metadatapkg.KeyDLTFailureKind))
	assert.Equal(t, uint64(1), f.stats.Errors.Fatal)
}

func TestDeliverDeadLettersUndecodablePayload(t *testing.T) {
	f := newDeliveryFixture(t, ServiceDependencies{}, func(handlerpkg.EnvelopeContext) error {
		t.Fatal("handler must not see an undecodable envelope")
		return nil
	})

	msg := message.NewMessage("raw-1", []byte("not an envelope"))
	msg.Metadata.Set(metadatapkg.KeySubjectKey, "POL-5")

	require.NoError(t, f.deliver(msg))

	require.Len(t, f.deadLetters(), 1)
	dlt := f.deadLetters()[0]
	assert.Equal(t, "not an envelope", string(dlt.Payload))
	assert.Equal(t, "POL-5", dlt.Metadata.Get(metadatapkg.KeySubjectKey))
	assert.Equal(t, "fatal", dlt.Metadata.Get(metadatapkg.KeyDLTFailureKind))
	assert.Equal(t, "raw-1", dlt.Metadata.Get(metadatapkg.KeyEventID))
}

// registryOutageCodec fails the first failures decodes the way the avro codec
// does when the schema registry cannot be reached.
type registryOutageCodec struct {
	codecpkg.Codec
	failures int32
	decodes  atomic.Int32
}

func (c *registryOutageCodec) Decode(ctx context.Context, data []byte) (envelopepkg.Envelope, error) {
	if c.decodes.Add(1) <= c.failures {
		return envelopepkg.Envelope{}, &errspkg.TransportError{
			Op:  "avro schema registry lookup",
			Err: fmt.Errorf("schema 7: %w", context.DeadlineExceeded),
		}
	}
	return c.Codec.Decode(ctx, data)
}

func TestDeliverRetriesDecodeWhileRegistryIsUnreachable(t *testing.T) {
	codec := &registryOutageCodec{Codec: codecpkg.NewJSON(), failures: 2}
	f := newDeliveryFixture(t, ServiceDependencies{Codec: codec}, func(handlerpkg.EnvelopeContext) error { return nil })
	env := sampleEnvelope("POL-8", envelopepkg.TypeContractSigned)

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, env)))

	assert.Equal(t, int32(3), codec.decodes.Load())
	require.Len(t, f.calls, 1)
	assert.Equal(t, env.EventID, f.calls[0].Envelope.EventID)
	assert.Empty(t, f.deadLetters())
	assert.Equal(t, uint64(1), f.stats.MessagesProcessed)
}

func TestDeliverDeadLettersAsRetryableWhenRegistryStaysDown(t *testing.T) {
	codec := &registryOutageCodec{Codec: codecpkg.NewJSON(), failures: 100}
	f := newDeliveryFixture(t, ServiceDependencies{Codec: codec}, func(handlerpkg.EnvelopeContext) error {
		t.Fatal("handler must not run before the envelope decodes")
		return nil
	})
	env := sampleEnvelope("POL-9", envelopepkg.TypeContractSigned)

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, env)))

	assert.Equal(t, int32(3), codec.decodes.Load())
	require.Len(t, f.deadLetters(), 1)
	dlt := f.deadLetters()[0]
	assert.Equal(t, "retryable", dlt.Metadata.Get(metadatapkg.KeyDLTFailureKind))
	assert.Equal(t, "2", dlt.Metadata.Get(metadatapkg.KeyDLTAttempts))
	assert.Equal(t, env.EventID, dlt.Metadata.Get(metadatapkg.KeyEventID))
	assert.Contains(t, dlt.Metadata.Get(metadatapkg.KeyDLTFailureReason), "deadline exceeded")
}

func TestDeliverDecodeFailuresFollowConfiguredClassifier(t *testing.T) {
	codec := &registryOutageCodec{Codec: codecpkg.NewJSON(), failures: 100}
	classifier := NewFailureClassifier(WithNonRetryableType[*errspkg.TransportError]())
	f := newDeliveryFixture(t, ServiceDependencies{Codec: codec, Classifier: classifier}, func(handlerpkg.EnvelopeContext) error { return nil })

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, sampleEnvelope("POL-10", envelopepkg.TypeContractSigned))))

	assert.Equal(t, int32(1), codec.decodes.Load())
	require.Len(t, f.deadLetters(), 1)
	assert.Equal(t, "fatal", f.deadLetters()[0].Metadata.Get(metadatapkg.KeyDLTFailureKind))
}

func TestDeliverRetriesPanickingHandler(t *testing.T) {
	f := newDeliveryFixture(t, ServiceDependencies{}, func(handlerpkg.EnvelopeContext) error {
		panic("nil policy")
	})

	require.NoError(t, f.deliver(encodedMessage(t, f.svc, sampleEnvelope("POL-6", envelopepkg.TypeContractSigned))))

	assert.Len(t, f.calls, 3)
	require.Len(t, f.deadLetters(), 1)
	assert.Contains(t, f.deadLetters()[0].Metadata.Get(metadatapkg.KeyDLTFailureReason), "nil policy")
}

func TestDeliverLeavesMessageUncommittedWhenDeadLetterPublishFails(t *testing.T) {
	var alerts int
	f := newDeliveryFixture(t, ServiceDependencies{
		AlertHooks: AlertHooks{OnDeadLetterPublishFailure: func(DeadLetterRecord, error) { alerts++ }},
	}, func(handlerpkg.EnvelopeContext) error {
		return errspkg.ErrDeadLetter
	})
	msg := encodedMessage(t, f.svc, sampleEnvelope("POL-8", envelopepkg.TypeContractSigned))
	f.pub.Err = errors.New("broker unreachable")

	err := f.deliver(msg)

	var dlErr *errspkg.DeadLetterPublishError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, 1, alerts)
	assert.Equal(t, uint64(1), f.stats.Errors.DeadLetterFailures)
	assert.Equal(t, uint64(1), f.svc.DLQMetrics().GetSnapshot().TotalFailures)
}

func TestDeliverAbortsOnShutdownWithoutDeadLettering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newDeliveryFixture(t, ServiceDependencies{RetryPolicy: &RetryPolicy{MaxRetries: 2, Delay: time.Hour}}, func(handlerpkg.EnvelopeContext) error {
		cancel()
		return errors.New("mail server busy")
	})
	msg := encodedMessage(t, f.svc, sampleEnvelope("POL-2", envelopepkg.TypeContractSigned))
	msg.SetContext(ctx)

	err := f.deliver(msg)

	assert.Error(t, err, "an interrupted delivery is not committed")
	assert.Len(t, f.calls, 1)
	assert.Empty(t, f.deadLetters())
	assert.Equal(t, uint64(1), f.stats.Errors.Aborted)
}
