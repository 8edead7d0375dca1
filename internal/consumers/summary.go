package consumers

import (
	"context"
	"fmt"

	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	handlerpkg "github.com/drblury/policyflow/internal/runtime/handlers"
	"github.com/drblury/policyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
)

// TypePolicySummary tags the envelopes written to the summary topic.
const TypePolicySummary = "POLICY_SUMMARY"

// Summarize renders the one-line policy summary.
func Summarize(env envelopepkg.Envelope) string {
	return fmt.Sprintf("Policy Summary: [PolicyNumber=%s, CustomerId=%s, AgentId=%s]", env.SubjectKey, env.CustomerID, env.AgentID)
}

type summaryPayload struct {
	Summary       string `json:"summary"`
	SourceEventID string `json:"sourceEventId"`
	SourceType    string `json:"sourceEventType"`
}

// SummaryProjector maps every contract envelope to a summary envelope on its
// own topic, keyed by the same policy number.
type SummaryProjector struct {
	producer runtimepkg.Producer
	topic    string
}

func NewSummaryProjector(producer runtimepkg.Producer, topic string) *SummaryProjector {
	return &SummaryProjector{producer: producer, topic: topic}
}

// Handle publishes the summary. A failed publish is returned so the envelope
// is retried like any other handler failure.
func (p *SummaryProjector) Handle(ctx context.Context, evt handlerpkg.EnvelopeContext) error {
	summary := Summarize(evt.Envelope)
	payload, err := jsoncodec.Marshal(summaryPayload{
		Summary:       summary,
		SourceEventID: evt.Envelope.EventID,
		SourceType:    evt.Envelope.EventType,
	})
	if err != nil {
		return err
	}

	out := envelopepkg.New(TypePolicySummary, evt.Envelope.SubjectKey, evt.Envelope.CustomerID, evt.Envelope.AgentID, payload)
	opts := []runtimepkg.PublishOption{}
	if id := evt.CorrelationID(); id != "" {
		opts = append(opts, runtimepkg.WithCorrelationID(id))
	}
	if _, err := p.producer.Publish(ctx, p.topic, out, opts...); err != nil {
		return err
	}

	evt.Logger.Info("Policy summary published", loggingpkg.LogFields{
		"summary":       summary,
		"summary_topic": p.topic,
	})
	return nil
}

// SummaryFromEnvelope extracts the summary line from a summary envelope.
func SummaryFromEnvelope(env envelopepkg.Envelope) (string, error) {
	if env.EventType != TypePolicySummary {
		return "", fmt.Errorf("consumers: %s is not a policy summary", env.EventType)
	}
	var p summaryPayload
	if err := jsoncodec.Unmarshal(env.Payload, &p); err != nil {
		return "", err
	}
	return p.Summary, nil
}
