// Package codec turns envelopes into wire bytes and back. Codecs are stateless
// apart from read-mostly schema caches and are safe for concurrent use.
package codec

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
)

// Codec names accepted in configuration.
const (
	JSONName     = "json"
	ProtobufName = "protobuf"
	AvroName     = "avro"
)

// Codec encodes and decodes envelopes. Malformed bytes are reported as
// *errors.SerializationError. A schema registry that cannot be reached is
// reported as *errors.TransportError, since the same bytes may decode later.
type Codec interface {
	Name() string
	ContentType() string
	Encode(ctx context.Context, env envelope.Envelope) ([]byte, error)
	Decode(ctx context.Context, data []byte) (envelope.Envelope, error)
}

// Options selects and configures a codec.
type Options struct {
	Name string

	// Avro only.
	SchemaRegistryURL string
	SchemaSubject     string
	Registry          SchemaRegistry
}

// New builds the codec named in opts. An empty name selects JSON.
func New(opts Options) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Name)) {
	case "", JSONName:
		return NewJSON(), nil
	case ProtobufName, "proto":
		return NewProtobuf(), nil
	case AvroName:
		reg := opts.Registry
		if reg == nil {
			if opts.SchemaRegistryURL == "" {
				return nil, fmt.Errorf("codec: avro requires a schema registry URL")
			}
			var err error
			reg, err = NewRegistryClient(opts.SchemaRegistryURL)
			if err != nil {
				return nil, err
			}
		}
		return NewAvro(reg, opts.SchemaSubject)
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", opts.Name)
	}
}

func encodeError(name string, err error) error {
	return &errspkg.SerializationError{Codec: name, Op: "encode", Err: err}
}

func decodeError(name string, err error) error {
	return &errspkg.SerializationError{Codec: name, Op: "decode", Err: err}
}

// checkDecoded rejects envelopes that decoded cleanly but miss mandatory fields.
func checkDecoded(name string, env envelope.Envelope) (envelope.Envelope, error) {
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, decodeError(name, fmt.Errorf("%w: %w", errspkg.ErrUnprocessable, err))
	}
	return env, nil
}
