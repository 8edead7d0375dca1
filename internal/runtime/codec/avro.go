package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
)

// EnvelopeSchema is the avro schema registered for envelopes.
const EnvelopeSchema = `{
  "type": "record",
  "name": "InsuranceEvent",
  "namespace": "io.policyflow.events",
  "fields": [
    {"name": "eventId", "type": "string"},
    {"name": "eventType", "type": "string"},
    {"name": "policyNumber", "type": "string"},
    {"name": "customerId", "type": "string", "default": ""},
    {"name": "agentId", "type": "string", "default": ""},
    {"name": "eventData", "type": "bytes", "default": ""},
    {"name": "eventTimestamp", "type": "long", "default": 0}
  ]
}`

// DefaultSchemaSubject is used when no subject is configured.
const DefaultSchemaSubject = "insurance-event-value"

// Confluent wire format: magic byte, 4-byte schema ID, avro binary body.
const (
	avroMagicByte  = 0x00
	avroHeaderSize = 5
)

type avroWire struct {
	EventID        string `avro:"eventId"`
	EventType      string `avro:"eventType"`
	PolicyNumber   string `avro:"policyNumber"`
	CustomerID     string `avro:"customerId"`
	AgentID        string `avro:"agentId"`
	EventData      []byte `avro:"eventData"`
	EventTimestamp int64  `avro:"eventTimestamp"`
}

type avroCodec struct {
	registry SchemaRegistry
	subject  string

	mu       sync.RWMutex
	writerID int
	writer   avro.Schema
	readers  map[int]avro.Schema
}

// NewAvro returns an avro codec that registers EnvelopeSchema on first use and
// resolves writer schemas by ID when decoding.
func NewAvro(reg SchemaRegistry, subject string) (Codec, error) {
	if reg == nil {
		return nil, fmt.Errorf("codec: avro requires a schema registry")
	}
	if subject == "" {
		subject = DefaultSchemaSubject
	}
	if _, err := avro.Parse(EnvelopeSchema); err != nil {
		return nil, fmt.Errorf("codec: invalid envelope schema: %w", err)
	}
	return &avroCodec{
		registry: reg,
		subject:  subject,
		readers:  make(map[int]avro.Schema),
	}, nil
}

func (c *avroCodec) Name() string        { return AvroName }
func (c *avroCodec) ContentType() string { return "application/vnd.confluent.avro" }

func (c *avroCodec) Encode(ctx context.Context, env envelope.Envelope) ([]byte, error) {
	id, schema, err := c.writerSchema(ctx)
	if err != nil {
		if schemaRejected(err) {
			return nil, encodeError(c.Name(), err)
		}
		return nil, c.registryError("register", err)
	}
	body, err := avro.Marshal(schema, avroWire{
		EventID:        env.EventID,
		EventType:      env.EventType,
		PolicyNumber:   env.SubjectKey,
		CustomerID:     env.CustomerID,
		AgentID:        env.AgentID,
		EventData:      env.Payload,
		EventTimestamp: env.PublishedAtEpochMillis,
	})
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}

	out := make([]byte, avroHeaderSize, avroHeaderSize+len(body))
	out[0] = avroMagicByte
	binary.BigEndian.PutUint32(out[1:avroHeaderSize], uint32(id))
	return append(out, body...), nil
}

func (c *avroCodec) Decode(ctx context.Context, data []byte) (envelope.Envelope, error) {
	if len(data) < avroHeaderSize || data[0] != avroMagicByte {
		return envelope.Envelope{}, decodeError(c.Name(), fmt.Errorf("missing schema registry header"))
	}
	id := int(binary.BigEndian.Uint32(data[1:avroHeaderSize]))
	schema, err := c.readerSchema(ctx, id)
	if err != nil {
		err = fmt.Errorf("schema %d: %w", id, err)
		if schemaRejected(err) {
			return envelope.Envelope{}, decodeError(c.Name(), err)
		}
		return envelope.Envelope{}, c.registryError("lookup", err)
	}

	var wire avroWire
	if err := avro.Unmarshal(schema, data[avroHeaderSize:], &wire); err != nil {
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
	if len(wire.EventData) > 0 {
		env.Payload = wire.EventData
	}
	return checkDecoded(c.Name(), env)
}

// registryError reports a registry call that never got an answer. The same
// bytes may encode or decode fine once the registry is back.
func (c *avroCodec) registryError(op string, err error) error {
	return &errspkg.TransportError{Op: c.Name() + " schema registry " + op, Err: err}
}

// writerSchema registers the envelope schema once. A failed registration is
// retried on the next encode.
func (c *avroCodec) writerSchema(ctx context.Context) (int, avro.Schema, error) {
	c.mu.RLock()
	id, schema := c.writerID, c.writer
	c.mu.RUnlock()
	if schema != nil {
		return id, schema, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		return c.writerID, c.writer, nil
	}
	id, schema, err := c.registry.Register(ctx, c.subject, EnvelopeSchema)
	if err != nil {
		return 0, nil, fmt.Errorf("register subject %q: %w", c.subject, err)
	}
	c.writerID, c.writer = id, schema
	c.readers[id] = schema
	return id, schema, nil
}

func (c *avroCodec) readerSchema(ctx context.Context, id int) (avro.Schema, error) {
	c.mu.RLock()
	schema, ok := c.readers[id]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := c.registry.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.readers[id] = schema
	c.mu.Unlock()
	return schema, nil
}
