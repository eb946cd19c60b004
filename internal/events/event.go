package events

import (
	"fmt"
	"sort"
	"time"

	pkgerrors "mailtrail/pkg/errors"
)

// Type is the canonical delivery-lifecycle event type.
type Type string

const (
	TypeSent         Type = "sent"
	TypeDelivered    Type = "delivered"
	TypeOpened       Type = "opened"
	TypeClicked      Type = "clicked"
	TypeBounced      Type = "bounced"
	TypeBlocked      Type = "blocked"
	TypeDeferred     Type = "deferred"
	TypeUnsubscribed Type = "unsubscribed"
	TypeSpam         Type = "spam"
)

// AllTypes lists the canonical vocabulary in a stable order.
var AllTypes = []Type{
	TypeSent,
	TypeDelivered,
	TypeOpened,
	TypeClicked,
	TypeBounced,
	TypeBlocked,
	TypeDeferred,
	TypeUnsubscribed,
	TypeSpam,
}

func (t Type) Valid() bool {
	switch t {
	case TypeSent, TypeDelivered, TypeOpened, TypeClicked, TypeBounced,
		TypeBlocked, TypeDeferred, TypeUnsubscribed, TypeSpam:
		return true
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Well-known keys of Event.Extra.
const (
	ExtraBounceType    = "bounce_type"
	ExtraBounceReason  = "bounce_reason"
	ExtraClickURL      = "click_url"
	ExtraIP            = "ip"
	ExtraUserAgent     = "user_agent"
	ExtraRaw           = "raw"
	ExtraProviderEvent = "provider_event"

	// ExtraEnrichmentCheckedAt marks the last lookup that found no detail.
	ExtraEnrichmentCheckedAt = "enrichment_checked_at"
)

const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// Event is one lifecycle occurrence of an email.
type Event struct {
	Type         Type                   `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
	Unclassified bool                   `json:"unclassified,omitempty"`
	// Seq is the arrival order within a record, assigned by the ledger.
	Seq int64 `json:"seq"`
}

// Key is the per-record dedup key.
type Key struct {
	Type   Type
	Micros int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Type, k.Micros)
}

// New builds an event with a normalized timestamp.
func New(t Type, ts time.Time, extra map[string]interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: NormalizeTimestamp(ts),
		Extra:     extra,
	}
}

// NormalizeTimestamp converts ts to UTC with microsecond precision, the
// resolution every store keeps.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}

func (e Event) Key() Key {
	return Key{Type: e.Type, Micros: NormalizeTimestamp(e.Timestamp).UnixMicro()}
}

// Validate rejects events that cannot be applied to a ledger.
func (e Event) Validate() error {
	if e.Type == "" {
		return NewValidationError("type", "event type is required")
	}
	if !e.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("timestamp", "event timestamp is required")
	}
	return nil
}

// BounceReason returns the recorded bounce reason, if any.
func (e Event) BounceReason() string {
	if e.Extra == nil {
		return ""
	}
	reason, _ := e.Extra[ExtraBounceReason].(string)
	return reason
}

// NeedsEnrichment reports whether the event is a bounce without detail.
func (e Event) NeedsEnrichment() bool {
	return e.Type == TypeBounced && e.BounceReason() == ""
}

// EnrichmentCheckedAt returns when a lookup last failed to find bounce
// detail for the event.
func (e Event) EnrichmentCheckedAt() (time.Time, bool) {
	raw, ok := e.Extra[ExtraEnrichmentCheckedAt].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Clone returns a deep copy of the event's extra map so callers cannot
// mutate stored state.
func (e Event) Clone() Event {
	out := e
	if e.Extra != nil {
		out.Extra = make(map[string]interface{}, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Sort orders events chronologically, ties broken by arrival sequence.
func Sort(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].Seq < evs[j].Seq
	})
}

// Types returns the set of event types present.
func Types(evs []Event) map[Type]struct{} {
	set := make(map[Type]struct{}, len(evs))
	for _, e := range evs {
		set[e.Type] = struct{}{}
	}
	return set
}

// ValidationError reports a malformed or unclassifiable event.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return pkgerrors.ErrValidation.
		WithDetail("field", e.Field).
		WithDetail("message", e.Reason)
}
