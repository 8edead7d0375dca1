package metadata

import "github.com/drblury/policyflow/transport"

// Header keys written by the publisher and read back by runners.
const (
	KeyCorrelationID = "correlation_id"
	KeyEventID       = "pf_event_id"
	KeyEventType     = "pf_event_type"
	KeySubjectKey    = transport.MetadataKeyPartitionKey
	KeyContentType   = "pf_content_type"
	KeyCodec         = "pf_codec"
	KeyPublishedAt   = "pf_published_at"
	KeyReplayedFrom  = "pf_replayed_from"
)

// Dead-letter headers. Everything a replay tool needs travels with the message.
const (
	KeyDLTOriginalTopic = "pf_dlt_original_topic"
	KeyDLTFailureReason = "pf_dlt_failure_reason"
	KeyDLTFailureKind   = "pf_dlt_failure_kind"
	KeyDLTAttempts      = "pf_dlt_attempts"
	KeyDLTConsumerGroup = "pf_dlt_consumer_group"
	KeyDLTFailedAt      = "pf_dlt_failed_at"
)

// DeadLetterKeys lists every header added by the dead-letter router.
func DeadLetterKeys() []string {
	return []string{
		KeyDLTOriginalTopic,
		KeyDLTFailureReason,
		KeyDLTFailureKind,
		KeyDLTAttempts,
		KeyDLTConsumerGroup,
		KeyDLTFailedAt,
	}
}
