package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired       = sterrors.New("policyflow: event service is required")
	ErrHandlerRequired       = sterrors.New("policyflow: handler function is required")
	ErrTopicRequired         = sterrors.New("policyflow: topic is required")
	ErrConsumerGroupRequired = sterrors.New("policyflow: consumer group is required")
	ErrDuplicateConsumer     = sterrors.New("policyflow: consumer already registered for topic and group")
	ErrPublisherRequired     = sterrors.New("policyflow: publisher is required")
	ErrCodecRequired         = sterrors.New("policyflow: codec is required")
	ErrEventTypeRequired     = sterrors.New("policyflow: event type is required")
	ErrSubjectKeyRequired    = sterrors.New("policyflow: subject key is required")
	ErrConfigRequired        = sterrors.New("policyflow: configuration is required")

	// ErrUnprocessable marks a payload that can never be handled, whatever the number of attempts.
	ErrUnprocessable = sterrors.New("policyflow: unprocessable event")
	// ErrDeadLetter lets a handler ask for immediate dead-lettering.
	ErrDeadLetter = sterrors.New("policyflow: dead letter requested")
)

// SerializationError reports an envelope that could not be encoded or decoded.
type SerializationError struct {
	Codec string
	Op    string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("policyflow: %s %s failed: %v", e.Codec, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TransportError wraps an I/O failure against the broker or the schema
// registry. It is always worth retrying.
type TransportError struct {
	Topic string
	// Op names a failed call other than a publish, such as a schema registry lookup.
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("policyflow: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("policyflow: publish to %q failed: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandlerError carries a consumer failure together with how it was classified.
type HandlerError struct {
	Handler        string
	Classification string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("policyflow: handler %s failed (%s): %v", e.Handler, e.Classification, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeadLetterPublishError is returned when an exhausted envelope could not be
// written to its dead-letter topic. The source message must stay uncommitted.
type DeadLetterPublishError struct {
	Topic         string
	OriginalTopic string
	Err           error
}

func (e *DeadLetterPublishError) Error() string {
	return fmt.Sprintf("policyflow: dead letter publish to %q (from %q) failed: %v", e.Topic, e.OriginalTopic, e.Err)
}

func (e *DeadLetterPublishError) Unwrap() error { return e.Err }

// PublishErrorKind tells a caller whether a failed publish is worth retrying.
type PublishErrorKind string

const (
	PublishErrorValidation    PublishErrorKind = "validation"
	PublishErrorSerialization PublishErrorKind = "serialization"
	PublishErrorTransport     PublishErrorKind = "transport"
)

// PublishError is returned by the envelope publisher.
type PublishError struct {
	Kind    PublishErrorKind
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("policyflow: publish failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("policyflow: publish of %s failed (%s): %v", e.EventID, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may safely retry the publish.
func (e *PublishError) Retryable() bool {
	return e.Kind == PublishErrorTransport
}
