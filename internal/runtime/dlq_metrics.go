package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-letter statistics per original topic.
type DLQMetrics struct {
	mu sync.RWMutex

	// Per-topic counts
	topicCounts map[string]*DLQTopicMetrics

	// Prometheus collectors
	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds metrics for a specific topic's DLQ.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	PublishFailures  uint64    `json:"publish_failures"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	TotalFailures uint64                      `json:"total_publish_failures"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// newDLQCounterVec creates a new counter vec with standard policyflow/dlq namespace.
func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policyflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newDLQGaugeVec creates a new gauge vec with standard policyflow/dlq namespace.
func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "policyflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newDLQHistogramVec creates a new histogram vec with standard policyflow/dlq namespace.
func newDLQHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "policyflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDLQMetrics creates a new DLQ metrics collector.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts:     make(map[string]*DLQTopicMetrics),
		registerer:      registerer,
		messagesTotal:   newDLQCounterVec("messages_total", "Total number of envelopes written to a dead-letter topic", []string{"topic", "consumer_group"}),
		messagesCurrent: newDLQGaugeVec("messages_current", "Dead-lettered envelopes not replayed yet", []string{"topic"}),
		replayedTotal:   newDLQCounterVec("replayed_total", "Total number of envelopes replayed from a dead-letter topic", []string{"topic"}),
		publishFailures: newDLQCounterVec("publish_failures_total", "Dead-letter publishes that failed and left the source message uncommitted", []string{"topic"}),
		ageSecondsHist:  newDLQHistogramVec("message_age_seconds", "Age of envelopes when dead-lettered, measured from their event ID", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"topic"}),
		retryCountHist:  newDLQHistogramVec("retry_count", "Retries spent before an envelope was dead-lettered", []float64{0, 1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// Collectors already registered by another DLQMetrics on the same registerer
// are adopted, so both instances report into the same series.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = registerCollector(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.messagesCurrent, err = registerCollector(m.registerer, m.messagesCurrent); err != nil {
		return err
	}
	if m.replayedTotal, err = registerCollector(m.registerer, m.replayedTotal); err != nil {
		return err
	}
	if m.publishFailures, err = registerCollector(m.registerer, m.publishFailures); err != nil {
		return err
	}
	if m.ageSecondsHist, err = registerCollector(m.registerer, m.ageSecondsHist); err != nil {
		return err
	}
	if m.retryCountHist, err = registerCollector(m.registerer, m.retryCountHist); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordMessageToDLQ records an envelope of topic being dead-lettered by group.
func (m *DLQMetrics) RecordMessageToDLQ(topic, group string, retryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.LastUpdatedAt = time.Now()
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = time.Now()
	}
	metrics.NewestMessageAt = time.Now()

	total := metrics.MessagesReceived
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, group).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordMessageReplayed records a dead-lettered envelope of topic being replayed.
func (m *DLQMetrics) RecordMessageReplayed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReplayed++
	if metrics.MessagesCurrent > 0 {
		metrics.MessagesCurrent--
	}
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
}

// RecordPublishFailure records a failed write to the dead-letter topic of topic.
func (m *DLQMetrics) RecordPublishFailure(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.PublishFailures++
	metrics.LastUpdatedAt = time.Now()

	m.publishFailures.WithLabelValues(topic).Inc()
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics),
		CollectedAt:  time.Now(),
	}

	for topic, metrics := range m.topicCounts {
		metricsCopy := &DLQTopicMetrics{
			MessagesReceived: metrics.MessagesReceived,
			MessagesCurrent:  metrics.MessagesCurrent,
			MessagesReplayed: metrics.MessagesReplayed,
			PublishFailures:  metrics.PublishFailures,
			OldestMessageAt:  metrics.OldestMessageAt,
			NewestMessageAt:  metrics.NewestMessageAt,
			AvgRetryCount:    metrics.AvgRetryCount,
			LastUpdatedAt:    metrics.LastUpdatedAt,
		}
		snapshot.TopicMetrics[topic] = metricsCopy
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalFailures += metrics.PublishFailures
	}

	return snapshot
}

// GetTopicMetrics returns metrics for a specific topic.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		return &DLQTopicMetrics{
			MessagesReceived: metrics.MessagesReceived,
			MessagesCurrent:  metrics.MessagesCurrent,
			MessagesReplayed: metrics.MessagesReplayed,
			PublishFailures:  metrics.PublishFailures,
			OldestMessageAt:  metrics.OldestMessageAt,
			NewestMessageAt:  metrics.NewestMessageAt,
			AvgRetryCount:    metrics.AvgRetryCount,
			LastUpdatedAt:    metrics.LastUpdatedAt,
		}
	}
	return nil
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &DLQTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.replayedTotal.Reset()
	m.publishFailures.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}
