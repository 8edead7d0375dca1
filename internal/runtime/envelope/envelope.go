// Package envelope defines the unit of transfer for contract events.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	idspkg "github.com/drblury/policyflow/internal/runtime/ids"
)

// Event types produced by the contract pipeline.
const (
	TypeContractSigned         = "CONTRACT_SIGNED"
	TypeExternalContractSigned = "EXTERNAL_CONTRACT_SIGNED"
)

// Envelope is the immutable event record moved through the pipeline. SubjectKey
// is the policy number and doubles as the partition key, so every envelope for
// one policy is delivered in publish order.
type Envelope struct {
	EventID                string          `json:"eventId"`
	EventType              string          `json:"eventType"`
	SubjectKey             string          `json:"policyNumber"`
	CustomerID             string          `json:"customerId"`
	AgentID                string          `json:"agentId"`
	Payload                json.RawMessage `json:"eventData"`
	PublishedAtEpochMillis int64           `json:"eventTimestamp"`
}

// New builds an envelope with a fresh event ID. The payload is copied.
func New(eventType, subjectKey, customerID, agentID string, payload []byte) Envelope {
	return Envelope{
		EventID:    idspkg.CreateULID(),
		EventType:  eventType,
		SubjectKey: subjectKey,
		CustomerID: customerID,
		AgentID:    agentID,
		Payload:    bytes.Clone(payload),
	}
}

// Validate checks the fields the publisher refuses to send without.
func (e Envelope) Validate() error {
	var errs []error
	if strings.TrimSpace(e.EventType) == "" {
		errs = append(errs, errspkg.ErrEventTypeRequired)
	}
	if strings.TrimSpace(e.SubjectKey) == "" {
		errs = append(errs, errspkg.ErrSubjectKeyRequired)
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy so callers may not alias the payload buffer.
func (e Envelope) Clone() Envelope {
	e.Payload = bytes.Clone(e.Payload)
	return e
}

// PublishedAt converts the wire timestamp to a time.Time.
func (e Envelope) PublishedAt() time.Time {
	if e.PublishedAtEpochMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.PublishedAtEpochMillis).UTC()
}

// Equal compares envelopes field by field, payload bytes included.
func (e Envelope) Equal(other Envelope) bool {
	return e.EventID == other.EventID &&
		e.EventType == other.EventType &&
		e.SubjectKey == other.SubjectKey &&
		e.CustomerID == other.CustomerID &&
		e.AgentID == other.AgentID &&
		e.PublishedAtEpochMillis == other.PublishedAtEpochMillis &&
		bytes.Equal(e.Payload, other.Payload)
}
