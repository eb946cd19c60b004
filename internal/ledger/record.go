package ledger

import (
	"time"

	"mailtrail/internal/events"
	"mailtrail/internal/status"
)

// EmailRecord is one outbound email and its timeline.
type EmailRecord struct {
	ExternalID string         `json:"external_id"`
	Recipient  string         `json:"recipient"`
	GroupKey   string         `json:"group_key"`
	SentAt     time.Time      `json:"sent_at"`
	Events     []events.Event `json:"events"`
	Status     status.Status  `json:"status"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across the store boundary.
func (r *EmailRecord) Clone() *EmailRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Events = make([]events.Event, len(r.Events))
	for i, e := range r.Events {
		out.Events[i] = e.Clone()
	}
	return &out
}

// HasEvent reports whether the dedup key is already present.
func (r *EmailRecord) HasEvent(k events.Key) bool {
	return r.eventIndex(k) >= 0
}

func (r *EmailRecord) eventIndex(k events.Key) int {
	for i, e := range r.Events {
		if e.Key() == k {
			return i
		}
	}
	return -1
}

func (r *EmailRecord) sentEvent() (events.Event, bool) {
	for _, e := range r.Events {
		if e.Type == events.TypeSent {
			return e, true
		}
	}
	return events.Event{}, false
}

func (r *EmailRecord) nextSeq() int64 {
	var top int64
	for _, e := range r.Events {
		if e.Seq > top {
			top = e.Seq
		}
	}
	return top + 1
}

func (r *EmailRecord) maxSeq() int64 {
	return r.nextSeq() - 1
}

// appendEvent adds ev, keeps the timeline ordered and recomputes status.
func (r *EmailRecord) appendEvent(ev events.Event) {
	ev.Seq = r.nextSeq()
	r.Events = append(r.Events, ev)
	events.Sort(r.Events)
	r.Status, _ = status.ResolveEvents(r.Events)
}

// EventRef addresses one event of one email.
type EventRef struct {
	ExternalID string      `json:"external_id"`
	Type       events.Type `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (ref EventRef) Key() events.Key {
	return events.Key{Type: ref.Type, Micros: events.NormalizeTimestamp(ref.Timestamp).UnixMicro()}
}

func (ref EventRef) String() string {
	return ref.ExternalID + "/" + ref.Key().String()
}

// Outcome is the typed result of an ingest call.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBuffered  Outcome = "buffered"
)

// Transition describes a status change caused by an ingest.
type Transition struct {
	From status.Status `json:"from"`
	To   status.Status `json:"to"`
}

type IngestResult struct {
	Outcome    Outcome      `json:"outcome"`
	Record     *EmailRecord `json:"record,omitempty"`
	Transition *Transition  `json:"transition,omitempty"`
	// Replayed counts buffered orphans applied after this sent event.
	Replayed int `json:"replayed,omitempty"`
}
