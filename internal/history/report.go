package history

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ImportReport summarizes one historical import.
type ImportReport struct {
	ID         string    `json:"id" bson:"_id"`
	Source     string    `json:"source" bson:"source"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
	FinishedAt time.Time `json:"finished_at" bson:"finished_at"`

	Rows             int              `json:"rows" bson:"rows"`
	SkippedRows      []RowError       `json:"skipped_rows,omitempty" bson:"skipped_rows,omitempty"`
	Groups           int              `json:"groups" bson:"groups"`
	Accepted         int              `json:"accepted" bson:"accepted"`
	Discarded        int              `json:"discarded" bson:"discarded"`
	DiscardReasons   map[string]int   `json:"discard_reasons" bson:"discard_reasons"`
	DiscardedSamples []DiscardedGroup `json:"discarded_samples,omitempty" bson:"discarded_samples,omitempty"`
	DiscardedSpan    DiscardedSpan    `json:"discarded_span" bson:"discarded_span"`

	UnknownStatusRows int           `json:"unknown_status_rows" bson:"unknown_status_rows"`
	EventsApplied     int           `json:"events_applied" bson:"events_applied"`
	DuplicatesSkipped int           `json:"duplicates_skipped" bson:"duplicates_skipped"`
	EventsBuffered    int           `json:"events_buffered,omitempty" bson:"events_buffered,omitempty"`
	Failed            []FailedGroup `json:"failed,omitempty" bson:"failed,omitempty"`

	maxSamples int
}

// DiscardedGroup identifies one group that was not imported.
type DiscardedGroup struct {
	MessageID string    `json:"message_id" bson:"message_id"`
	Recipient string    `json:"recipient" bson:"recipient"`
	Reason    string    `json:"reason" bson:"reason"`
	Rows      int       `json:"rows" bson:"rows"`
	First     time.Time `json:"first" bson:"first"`
	Last      time.Time `json:"last" bson:"last"`
}

// DiscardedSpan is the time covered by discarded groups: the overall
// earliest and latest timestamps and the sum of each group's own span.
type DiscardedSpan struct {
	Earliest time.Time     `json:"earliest,omitempty" bson:"earliest,omitempty"`
	Latest   time.Time     `json:"latest,omitempty" bson:"latest,omitempty"`
	Total    time.Duration `json:"total" bson:"total"`
}

type FailedGroup struct {
	MessageID string `json:"message_id" bson:"message_id"`
	Recipient string `json:"recipient" bson:"recipient"`
	Error     string `json:"error" bson:"error"`
}

func newReport(source string, rows, maxSamples int) *ImportReport {
	return &ImportReport{
		ID:             uuid.New().String(),
		Source:         source,
		StartedAt:      time.Now().UTC(),
		Rows:           rows,
		DiscardReasons: make(map[string]int),
		maxSamples:     maxSamples,
	}
}

func (rep *ImportReport) record(grp *rowGroup, out groupOutcome) {
	rep.UnknownStatusRows += out.unknownRows
	rep.EventsApplied += out.applied
	rep.DuplicatesSkipped += out.duplicates
	rep.EventsBuffered += out.buffered

	switch {
	case out.discardReason != "":
		rep.discard(grp, out.discardReason)
	case out.err != nil:
		rep.Failed = append(rep.Failed, FailedGroup{
			MessageID: grp.id.messageID,
			Recipient: grp.id.recipient,
			Error:     out.err.Error(),
		})
	default:
		rep.Accepted++
	}
}

func (rep *ImportReport) discard(grp *rowGroup, reason string) {
	rep.Discarded++
	rep.DiscardReasons[reason]++

	first, last := grp.rows[0].Timestamp, grp.rows[0].Timestamp
	for _, row := range grp.rows[1:] {
		if row.Timestamp.Before(first) {
			first = row.Timestamp
		}
		if row.Timestamp.After(last) {
			last = row.Timestamp
		}
	}

	span := &rep.DiscardedSpan
	if span.Earliest.IsZero() || first.Before(span.Earliest) {
		span.Earliest = first
	}
	if last.After(span.Latest) {
		span.Latest = last
	}
	span.Total += last.Sub(first)

	if len(rep.DiscardedSamples) < rep.maxSamples {
		rep.DiscardedSamples = append(rep.DiscardedSamples, DiscardedGroup{
			MessageID: grp.id.messageID,
			Recipient: grp.id.recipient,
			Reason:    reason,
			Rows:      len(grp.rows),
			First:     first,
			Last:      last,
		})
	}
}

// finalize orders the collections that concurrent workers filled.
func (rep *ImportReport) finalize() {
	sort.Slice(rep.DiscardedSamples, func(i, j int) bool {
		return rep.DiscardedSamples[i].MessageID < rep.DiscardedSamples[j].MessageID
	})
	sort.Slice(rep.Failed, func(i, j int) bool {
		return rep.Failed[i].MessageID < rep.Failed[j].MessageID
	})
}
