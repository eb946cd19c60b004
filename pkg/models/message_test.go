package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderEncodesPayload(t *testing.T) {
	env, err := NewMessageEnvelopeBuilder().
		WithKind(KindDeliveryEvent).
		WithSource("webhook").
		WithTraceID("abc").
		WithPayload(map[string]string{"external_id": "m-1"}).
		Build()
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, "abc", env.Metadata.TraceID)

	var out map[string]string
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "m-1", out["external_id"])
}

func TestBuilderRejectsUnencodablePayload(t *testing.T) {
	_, err := NewMessageEnvelopeBuilder().WithPayload(make(chan int)).Build()
	assert.Error(t, err)
}

func TestDecodeEmptyPayload(t *testing.T) {
	var out map[string]string
	assert.Error(t, MessageEnvelope{ID: "x"}.Decode(&out))
}
