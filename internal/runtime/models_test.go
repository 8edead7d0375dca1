package runtime

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

func TestConsumerStatsRecordsSuccess(t *testing.T) {
	stats := newConsumerStats("notification-group@contract-events", testTopic, "contract-events-dlt", newProcessSampler())

	msg := message.NewMessage("1", []byte("{}"))
	msg.Metadata.Set(metadatapkg.KeyPublishedAt, strconv.FormatInt(time.Now().Add(-1500*time.Millisecond).UnixMilli(), 10))

	inv := stats.onMessageStart(msg)
	assert.Equal(t, uint64(1), stats.Backlog.InFlight)
	stats.onMessageFinish(inv, 5*time.Millisecond, Outcome{Invocations: 1}, nil)

	assert.Equal(t, uint64(1), stats.MessagesProcessed)
	assert.Zero(t, stats.MessagesFailed)
	assert.Equal(t, uint64(1), stats.HandlerInvocations)
	assert.Zero(t, stats.Backlog.InFlight)
	assert.Equal(t, uint64(1), stats.Backlog.MaxInFlight)
	assert.GreaterOrEqual(t, stats.Backlog.EstimatedLagMillis, int64(1400))
	assert.Equal(t, 1, stats.Latency.SampleSize)
	assert.Equal(t, uint64(1), stats.Throughput.TotalMessages)
	assert.NotZero(t, stats.Resource.Goroutines)
	assert.Equal(t, ErrorBreakdown{}, stats.Errors)

	require.Len(t, stats.Dependencies, 2)
	assert.Equal(t, DependencyStatusHealthy, stats.Dependencies[0].Status)
	assert.Equal(t, DependencyStatusUnknown, stats.Dependencies[1].Status, "dead-letter publisher untouched on success")
}

func TestConsumerStatsRecordsDeadLetterFailure(t *testing.T) {
	stats := newConsumerStats("insurance-group-dlq-test@contract-events", testTopic, "contract-events-dlt", nil)

	inv := stats.onMessageStart(message.NewMessage("1", nil))
	dlErr := &errspkg.DeadLetterPublishError{Topic: "contract-events-dlt", OriginalTopic: testTopic, Err: errors.New("broker down")}
	stats.onMessageFinish(inv, time.Millisecond, Outcome{
		Err:            errors.New("busy"),
		Classification: Retryable,
		Invocations:    3,
		Attempts:       2,
		Exhausted:      true,
	}, dlErr)

	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Equal(t, uint64(3), stats.HandlerInvocations)
	assert.Equal(t, uint64(1), stats.Errors.Retryable)
	assert.Equal(t, uint64(1), stats.Errors.DeadLetterFailures)
	assert.Zero(t, stats.Errors.DeadLettered)
	assert.Equal(t, dlErr.Error(), stats.Errors.LastError)
	assert.Equal(t, int64(-1), stats.Backlog.EstimatedLagMillis)

	publisher := stats.Dependencies[1]
	assert.Equal(t, publisherDependency("contract-events-dlt"), publisher.Name)
	assert.Equal(t, DependencyStatusDegraded, publisher.Status)
	assert.Contains(t, publisher.Details, "broker down")
}

func TestErrorBreakdownRecord(t *testing.T) {
	var breakdown ErrorBreakdown

	breakdown.Record(Outcome{Invocations: 1}, nil)
	breakdown.Record(Outcome{Err: errspkg.ErrUnprocessable, Classification: Fatal, Invocations: 1}, nil)
	breakdown.Record(Outcome{Err: errors.New("shutdown"), Classification: Retryable, Aborted: true}, nil)

	assert.Equal(t, uint64(1), breakdown.Fatal)
	assert.Equal(t, uint64(1), breakdown.DeadLettered)
	assert.Equal(t, uint64(1), breakdown.Aborted)
	assert.Zero(t, breakdown.Retryable)
	assert.Equal(t, "shutdown", breakdown.LastError)
}

func TestLatencyWindowPercentiles(t *testing.T) {
	window := newLatencyWindow(4)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		window.Add(time.Duration(ms) * time.Millisecond)
	}

	snapshot := window.Snapshot()
	assert.Equal(t, 4, snapshot.SampleSize)
	assert.Equal(t, int64(50*time.Millisecond), snapshot.LastNs)
	assert.Equal(t, int64(35*time.Millisecond), snapshot.P50Ns)
	assert.Equal(t, int64(35*time.Millisecond), snapshot.AverageNs)
	assert.Zero(t, percentile(nil, 0.5))
}

func TestConsumerInfoMarshalsStats(t *testing.T) {
	info := &ConsumerInfo{
		Name:            "document-group@contract-events",
		Topic:           testTopic,
		Group:           "document-group",
		DeadLetterTopic: "contract-events-dlt",
		Stats:           newConsumerStats("document-group@contract-events", testTopic, "contract-events-dlt", nil),
	}

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "document-group", decoded["group"])
	stats, ok := decoded["stats"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, stats, "messages_processed")
	assert.Contains(t, stats, "errors")
	assert.NotContains(t, stats, "name")
}
