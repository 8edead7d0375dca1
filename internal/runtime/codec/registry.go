package codec

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/registry"
)

// SchemaRegistry is the part of a Confluent-compatible schema registry the
// avro codec needs.
type SchemaRegistry interface {
	// Register stores schema under subject and returns its global ID. Registering
	// an identical schema twice yields the same ID.
	Register(ctx context.Context, subject, schema string) (int, avro.Schema, error)
	// Lookup resolves a schema by global ID.
	Lookup(ctx context.Context, id int) (avro.Schema, error)
}

// ErrSchemaNotFound is returned by a SchemaRegistry that does not know the
// requested schema ID.
var ErrSchemaNotFound = errors.New("codec: schema not found")

type registryClient struct {
	client *registry.Client
}

// NewRegistryClient connects the avro codec to a schema registry over HTTP.
func NewRegistryClient(baseURL string) (SchemaRegistry, error) {
	client, err := registry.NewClient(baseURL)
	if err != nil {
		return nil, err
	}
	return &registryClient{client: client}, nil
}

func (r *registryClient) Register(ctx context.Context, subject, schema string) (int, avro.Schema, error) {
	return r.client.CreateSchema(ctx, subject, schema)
}

func (r *registryClient) Lookup(ctx context.Context, id int) (avro.Schema, error) {
	schema, err := r.client.GetSchema(ctx, id)
	var regErr registry.Error
	if errors.As(err, &regErr) && regErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d: %w", ErrSchemaNotFound, id, err)
	}
	return schema, err
}

// schemaRejected reports whether the registry answered and refused the
// request. Anything else, timeouts and 5xx answers included, means the
// registry could not be reached and the call may succeed later.
func schemaRejected(err error) bool {
	if errors.Is(err, ErrSchemaNotFound) {
		return true
	}
	var regErr registry.Error
	if !errors.As(err, &regErr) {
		return false
	}
	switch regErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return regErr.StatusCode >= http.StatusBadRequest && regErr.StatusCode < http.StatusInternalServerError
}
