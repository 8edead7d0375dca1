package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ConsumerInfo describes one registered runner for the web UI.
type ConsumerInfo struct {
	Name            string         `json:"name"`
	Topic           string         `json:"topic"`
	Group           string         `json:"group"`
	DeadLetterTopic string         `json:"dead_letter_topic,omitempty"`
	Stats           *ConsumerStats `json:"stats"`
}

// ConsumerStats aggregates per-runner processing statistics. A message counts
// once however many times its handler was invoked.
type ConsumerStats struct {
	mu sync.Mutex `json:"-"`

	name            string `json:"-"`
	topic           string `json:"-"`
	deadLetterTopic string `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	HandlerInvocations  uint64    `json:"handler_invocations"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *processSampler   `json:"-"`
	dependencyIndex  map[string]int    `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

// ErrorBreakdown counts failed envelopes by how they ended.
type ErrorBreakdown struct {
	Retryable          uint64 `json:"retryable"`
	Fatal              uint64 `json:"fatal"`
	DeadLettered       uint64 `json:"dead_lettered"`
	DeadLetterFailures uint64 `json:"dead_letter_failures"`
	Aborted            uint64 `json:"aborted"`
	LastError          string `json:"last_error,omitempty"`
}

// ResourceUsage is a process-wide reading shared by every consumer.
// MemoryBytes counts live heap objects.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	Goroutines  int       `json:"goroutines"`
	SampledAt   time.Time `json:"sampled_at"`
}

// BacklogMetrics tracks in-flight envelopes. EstimatedLagMillis is the age of
// the last envelope at receipt, derived from its publish timestamp.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

func newConsumerStats(name, topic, deadLetterTopic string, sampler *processSampler) *ConsumerStats {
	stats := &ConsumerStats{
		name:             name,
		topic:            topic,
		deadLetterTopic:  deadLetterTopic,
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
		dependencyIndex:  make(map[string]int),
	}

	if topic != "" {
		stats.addDependency(subscriberDependency(topic))
	}
	if deadLetterTopic != "" {
		stats.addDependency(publisherDependency(deadLetterTopic))
	}

	return stats
}

func subscriberDependency(topic string) string { return fmt.Sprintf("subscriber:%s", topic) }
func publisherDependency(topic string) string  { return fmt.Sprintf("publisher:%s", topic) }

func (h *ConsumerStats) addDependency(name string) {
	h.Dependencies = append(h.Dependencies, DependencyHealth{
		Name:   name,
		Status: DependencyStatusUnknown,
	})
	if h.dependencyIndex == nil {
		h.dependencyIndex = make(map[string]int)
	}
	h.dependencyIndex[name] = len(h.Dependencies) - 1
}

type invocationContext struct {
	lagMillis int64
}

func (h *ConsumerStats) onMessageStart(msg *message.Message) invocationContext {
	lag := publishLagMillis(msg)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}

	return invocationContext{lagMillis: lag}
}

// onMessageFinish records the final outcome of one envelope. deadLetterErr is
// the routing error, if routing was attempted and failed.
func (h *ConsumerStats) onMessageFinish(ctx invocationContext, duration time.Duration, outcome Outcome, deadLetterErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if ctx.lagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = ctx.lagMillis
	}

	h.MessagesProcessed++
	if !outcome.Succeeded() {
		h.MessagesFailed++
	}
	h.HandlerInvocations += uint64(outcome.Invocations)
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if h.MessagesProcessed > 0 {
			snapshot.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)
		}
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(time.Now())
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalMessages = h.MessagesProcessed

	h.Errors.Record(outcome, deadLetterErr)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}

	h.setDependencyStatusLocked(subscriberDependency(h.topic), DependencyStatusHealthy, "")
	if h.deadLetterTopic != "" && outcome.DeadLetter() {
		status := DependencyStatusHealthy
		details := ""
		if deadLetterErr != nil {
			status = DependencyStatusDegraded
			details = deadLetterErr.Error()
		}
		h.setDependencyStatusLocked(publisherDependency(h.deadLetterTopic), status, details)
	}
}

func (h *ConsumerStats) setDependencyStatusLocked(name, status, details string) {
	if name == "" {
		return
	}
	idx, ok := h.dependencyIndex[name]
	if !ok {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: name})
		idx = len(h.Dependencies) - 1
		h.dependencyIndex[name] = idx
	}
	dep := h.Dependencies[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = time.Now().UTC()
	h.Dependencies[idx] = dep
}

func publishLagMillis(msg *message.Message) int64 {
	if msg == nil {
		return -1
	}
	raw := msg.Metadata.Get(metadatapkg.KeyPublishedAt)
	if raw == "" {
		return -1
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	lag := time.Since(time.UnixMilli(millis)).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

func (h *ConsumerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias ConsumerStats
	return json.Marshal((*Alias)(h))
}

// Record counts a finished envelope. Successful envelopes leave it untouched.
func (e *ErrorBreakdown) Record(outcome Outcome, deadLetterErr error) {
	if outcome.Succeeded() {
		return
	}
	switch {
	case outcome.Aborted:
		e.Aborted++
	case outcome.Classification == Fatal:
		e.Fatal++
	default:
		e.Retryable++
	}
	if outcome.DeadLetter() {
		if deadLetterErr != nil {
			e.DeadLetterFailures++
		} else {
			e.DeadLettered++
		}
	}
	switch {
	case deadLetterErr != nil:
		e.LastError = deadLetterErr.Error()
	case outcome.Err != nil:
		e.LastError = outcome.Err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
