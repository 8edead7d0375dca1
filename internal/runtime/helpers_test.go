package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	"github.com/drblury/policyflow/transport"
	channeltransport "github.com/drblury/policyflow/transport/channel"
	"github.com/drblury/policyflow/transport/transporttest"
)

const testTopic = "contract-events"

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem: "channel",
		Topic:        testTopic,
	}
}

func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 2, Delay: 5 * time.Millisecond}
}

// stubTransport serves pub for publishing and never delivers anything.
func stubTransport(pub message.Publisher) transport.Builder {
	return func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{
			Publisher: pub,
			NewSubscriber: func(group string) (message.Subscriber, error) {
				return &transporttest.Subscriber{Group: group}, nil
			},
		}, nil
	}
}

// newTestService builds a service on the in-memory channel transport unless
// deps says otherwise. Every service gets its own Prometheus registry.
func newTestService(t *testing.T, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.TransportBuilder == nil {
		deps.TransportBuilder = channeltransport.Build
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	if deps.RetryPolicy == nil {
		deps.RetryPolicy = fastRetryPolicy()
	}
	svc, err := NewService(newTestConfig(), newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	return svc
}

// runService starts svc and blocks until every runner subscribed. The returned
// func stops it and waits for Start to return.
func runService(t *testing.T, svc *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case err := <-done:
		cancel()
		t.Fatalf("service stopped before running: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("service did not start in time")
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Error("service did not stop in time")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func sampleEnvelope(policyNumber, eventType string) envelopepkg.Envelope {
	return envelopepkg.New(eventType, policyNumber, "CUST-1", "AGENT-7", []byte(`{"premium":120}`))
}

// encodedMessage publishes env through a recording publisher and returns the
// wire message the broker would have received.
func encodedMessage(t *testing.T, svc *Service, env envelopepkg.Envelope) *message.Message {
	t.Helper()
	rec := &transporttest.Publisher{}
	pub, err := NewPublisher(rec, svc.Codec())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), testTopic, env)
	require.NoError(t, err)
	require.Len(t, rec.Messages[testTopic], 1)
	return rec.Messages[testTopic][0]
}

type loggedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every line for assertions.
type recordingLogger struct {
	mu     *sync.Mutex
	lines  *[]loggedLine
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, lines: &[]loggedLine{}}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.lines = append(*r.lines, loggedLine{level: level, msg: msg, err: err, fields: r.fields.Merge(fields)})
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{mu: r.mu, lines: r.lines, fields: r.fields.Merge(fields)}
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) find(msg string) []loggedLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loggedLine
	for _, line := range *r.lines {
		if line.msg == msg {
			out = append(out, line)
		}
	}
	return out
}
