package handlers

import (
	"context"

	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
)

// EnvelopeContext is what a consumer sees for one dispatch of one envelope.
type EnvelopeContext struct {
	MessageContextBase

	Envelope envelopepkg.Envelope
	Topic    string
	Group    string
	// Attempt is 1 on the first dispatch and grows by one on every retry.
	Attempt int
}

// SubjectKey returns the partition key of the envelope.
func (c EnvelopeContext) SubjectKey() string {
	return c.Envelope.SubjectKey
}

// Replayed reports whether the envelope was republished from a dead-letter topic.
func (c EnvelopeContext) Replayed() bool {
	return c.Metadata[MetadataKeyReplayedFrom] != ""
}

// LogFields identifies the delivery in structured logs.
func (c EnvelopeContext) LogFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"event_id":       c.Envelope.EventID,
		"event_type":     c.Envelope.EventType,
		"subject_key":    c.Envelope.SubjectKey,
		"topic":          c.Topic,
		"consumer_group": c.Group,
		"attempt":        c.Attempt,
	}
}

// EnvelopeHandler processes one envelope. A nil return acknowledges it; any
// error is classified and either retried or dead-lettered.
type EnvelopeHandler func(ctx context.Context, event EnvelopeContext) error

// EnvelopeFunc adapts a function that only needs the envelope itself.
func EnvelopeFunc(fn func(ctx context.Context, env envelopepkg.Envelope) error) EnvelopeHandler {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, event EnvelopeContext) error {
		return fn(ctx, event.Envelope)
	}
}
