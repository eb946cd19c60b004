package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageEnvelopeBuilder struct {
	envelope *MessageEnvelope
	err      error
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{envelope: &MessageEnvelope{}}
}

func (b *MessageEnvelopeBuilder) WithID(id string) *MessageEnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithKind(kind string) *MessageEnvelopeBuilder {
	b.envelope.Kind = kind
	return b
}

func (b *MessageEnvelopeBuilder) WithSource(source string) *MessageEnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(timestamp time.Time) *MessageEnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

// WithPayload JSON-encodes v as the payload.
func (b *MessageEnvelopeBuilder) WithPayload(v interface{}) *MessageEnvelopeBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to encode payload: %w", err)
		return b
	}
	b.envelope.Payload = raw
	return b
}

func (b *MessageEnvelopeBuilder) WithTraceID(traceID string) *MessageEnvelopeBuilder {
	b.envelope.Metadata.TraceID = traceID
	return b
}

func (b *MessageEnvelopeBuilder) Build() (*MessageEnvelope, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now().UTC()
	}
	return b.envelope, nil
}
