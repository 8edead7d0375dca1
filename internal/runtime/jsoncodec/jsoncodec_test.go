package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signRequest struct {
	CustomerID string `json:"customerId"`
	ProductID  string `json:"productId"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := signRequest{CustomerID: "CUST-1", ProductID: "PROD-9"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out signRequest
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := signRequest{CustomerID: "CUST-7", ProductID: "PROD-1"}

	require.NoError(t, Encode(buf, payload))

	var decoded signRequest
	require.NoError(t, Decode(buf, &decoded, true))
	assert.Equal(t, payload, decoded)
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	body := strings.NewReader(`{"customerId":"c","productId":"p","extra":true}`)
	var decoded signRequest
	assert.Error(t, Decode(body, &decoded, true))

	body = strings.NewReader(`{"customerId":"c","productId":"p","extra":true}`)
	assert.NoError(t, Decode(body, &decoded, false))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"productId":"P-1"}`)))
	assert.False(t, Valid([]byte(`{"productId":`)))
}
