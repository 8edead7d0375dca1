package codec

import (
	"bytes"
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/policyflow/internal/runtime/envelope"
)

// Field numbers of the envelope message:
//
//	message Envelope {
//	  string event_id = 1;
//	  string event_type = 2;
//	  string subject_key = 3;
//	  string customer_id = 4;
//	  string agent_id = 5;
//	  bytes payload = 6;
//	  int64 published_at_epoch_millis = 7;
//	}
const (
	fieldEventID     protowire.Number = 1
	fieldEventType   protowire.Number = 2
	fieldSubjectKey  protowire.Number = 3
	fieldCustomerID  protowire.Number = 4
	fieldAgentID     protowire.Number = 5
	fieldPayload     protowire.Number = 6
	fieldPublishedAt protowire.Number = 7
)

type protobufCodec struct{}

// NewProtobuf returns a codec speaking the protobuf binary wire format.
func NewProtobuf() Codec { return protobufCodec{} }

func (protobufCodec) Name() string        { return ProtobufName }
func (protobufCodec) ContentType() string { return "application/x-protobuf" }

func (protobufCodec) Encode(_ context.Context, env envelope.Envelope) ([]byte, error) {
	b := make([]byte, 0, 64+len(env.Payload))
	b = appendString(b, fieldEventID, env.EventID)
	b = appendString(b, fieldEventType, env.EventType)
	b = appendString(b, fieldSubjectKey, env.SubjectKey)
	b = appendString(b, fieldCustomerID, env.CustomerID)
	b = appendString(b, fieldAgentID, env.AgentID)
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	if env.PublishedAtEpochMillis != 0 {
		b = protowire.AppendTag(b, fieldPublishedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.PublishedAtEpochMillis))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func (c protobufCodec) Decode(_ context.Context, data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return envelope.Envelope{}, decodeError(c.Name(), protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldEventID && num <= fieldPayload:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return envelope.Envelope{}, decodeError(c.Name(), protowire.ParseError(m))
			}
			assignBytesField(&env, num, v)
			n = m
		case typ == protowire.VarintType && num == fieldPublishedAt:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return envelope.Envelope{}, decodeError(c.Name(), protowire.ParseError(m))
			}
			env.PublishedAtEpochMillis = int64(v)
			n = m
		case num >= fieldEventID && num <= fieldPublishedAt:
			return envelope.Envelope{}, decodeError(c.Name(), fmt.Errorf("field %d has unexpected wire type %d", num, typ))
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return envelope.Envelope{}, decodeError(c.Name(), protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return checkDecoded(c.Name(), env)
}

func assignBytesField(env *envelope.Envelope, num protowire.Number, v []byte) {
	switch num {
	case fieldEventID:
		env.EventID = string(v)
	case fieldEventType:
		env.EventType = string(v)
	case fieldSubjectKey:
		env.SubjectKey = string(v)
	case fieldCustomerID:
		env.CustomerID = string(v)
	case fieldAgentID:
		env.AgentID = string(v)
	case fieldPayload:
		env.Payload = bytes.Clone(v)
	}
}
