package handlers

import metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"

// Metadata keys handlers commonly read. They are reserved and should not be
// reused for custom headers.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeySubjectKey    = metadatapkg.KeySubjectKey
	MetadataKeyReplayedFrom  = metadatapkg.KeyReplayedFrom

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
