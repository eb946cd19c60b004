package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope kinds.
const (
	KindDeliveryEvent = "delivery_event"
)

type MessageEnvelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

type Metadata struct {
	TraceID string   `json:"trace_id,omitempty"`
	DLQ     *DLQInfo `json:"dlq,omitempty"`
}

// DLQInfo records why a message was parked on the dead letter topic.
type DLQInfo struct {
	Reason      string    `json:"reason"`
	SourceTopic string    `json:"source_topic"`
	FailedAt    time.Time `json:"failed_at"`
}

// Decode unmarshals the payload into v.
func (e MessageEnvelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}
