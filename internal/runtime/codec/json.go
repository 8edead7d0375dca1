package codec

import (
	"context"

	"github.com/drblury/policyflow/internal/runtime/envelope"
	jsoncodec "github.com/drblury/policyflow/internal/runtime/jsoncodec"
)

// jsonWire carries the payload as a JSON string so its bytes survive the trip
// untouched; embedding it as a raw object would let the encoder re-compact it.
type jsonWire struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	PolicyNumber   string `json:"policyNumber"`
	CustomerID     string `json:"customerId"`
	AgentID        string `json:"agentId"`
	EventData      string `json:"eventData"`
	EventTimestamp int64  `json:"eventTimestamp"`
}

type jsonCodec struct{}

// NewJSON returns the JSON envelope codec.
func NewJSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string        { return JSONName }
func (jsonCodec) ContentType() string { return "application/json" }

func (c jsonCodec) Encode(_ context.Context, env envelope.Envelope) ([]byte, error) {
	data, err := jsoncodec.Marshal(jsonWire{
		EventID:        env.EventID,
		EventType:      env.EventType,
		PolicyNumber:   env.SubjectKey,
		CustomerID:     env.CustomerID,
		AgentID:        env.AgentID,
		EventData:      string(env.Payload),
		EventTimestamp: env.PublishedAtEpochMillis,
	})
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	return data, nil
}

func (c jsonCodec) Decode(_ context.Context, data []byte) (envelope.Envelope, error) {
	var wire jsonWire
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return envelope.Envelope{}, decodeError(c.Name(), err)
	}
	env := envelope.Envelope{
		EventID:                wire.EventID,
		EventType:              wire.EventType,
		SubjectKey:             wire.PolicyNumber,
		CustomerID:             wire.CustomerID,
		AgentID:                wire.AgentID,
		PublishedAtEpochMillis: wire.EventTimestamp,
	}
	if wire.EventData != "" {
		env.Payload = []byte(wire.EventData)
	}
	return checkDecoded(c.Name(), env)
}
