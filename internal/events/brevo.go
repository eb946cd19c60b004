package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Submission is a canonical event addressed to one email, the unit both
// producers hand to the ledger.
type Submission struct {
	ExternalID string `json:"external_id"`
	Recipient  string `json:"recipient"`
	GroupKey   string `json:"group_key"`
	Subject    string `json:"subject,omitempty"`
	Source     string `json:"source,omitempty"`
	Event      Event  `json:"event"`
}

// Validate checks the addressing fields and the event itself.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.ExternalID) == "" {
		return NewValidationError("external_id", "message id is required")
	}
	if s.Event.Type == TypeSent {
		if strings.TrimSpace(s.Recipient) == "" {
			return NewValidationError("recipient", "recipient is required for sent events")
		}
		if strings.TrimSpace(s.GroupKey) == "" {
			return NewValidationError("group_key", "group key is required for sent events")
		}
	}
	return s.Event.Validate()
}

type brevoPayload struct {
	Event     string `json:"event"`
	MessageID string `json:"message-id"`
	Email     string `json:"email"`
	Subject   string `json:"subject"`
	TsEvent   int64  `json:"ts_event"`
	Reason    string `json:"reason"`
	Link      string `json:"link"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// ParseBrevoWebhook normalizes a Brevo transactional webhook body. The group
// key uses the calendar date of the event in loc; the ledger only honours it
// when the event creates the record.
func ParseBrevoWebhook(body []byte, loc *time.Location) (Submission, error) {
	var p brevoPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Submission{}, NewValidationError("body", "invalid JSON: "+err.Error())
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Submission{}, NewValidationError("body", "invalid JSON: "+err.Error())
	}

	switch {
	case p.Event == "":
		return Submission{}, NewValidationError("event", "missing event name")
	case p.MessageID == "":
		return Submission{}, NewValidationError("message-id", "missing message id")
	case p.Email == "":
		return Submission{}, NewValidationError("email", "missing recipient")
	case p.TsEvent <= 0:
		return Submission{}, NewValidationError("ts_event", "missing or invalid timestamp")
	}

	ts := time.Unix(p.TsEvent, 0)
	c := ClassifyWebhookEvent(p.Event)

	extra := map[string]interface{}{
		ExtraProviderEvent: p.Event,
		ExtraRaw:           raw,
	}
	for k, v := range c.Extra {
		extra[k] = v
	}

	switch c.Type {
	case TypeBounced:
		if p.Reason != "" {
			extra[ExtraBounceReason] = p.Reason
		}
	case TypeClicked:
		if p.Link != "" {
			extra[ExtraClickURL] = p.Link
		}
	case TypeOpened:
		if p.IP != "" {
			extra[ExtraIP] = p.IP
		}
		if p.UserAgent != "" {
			extra[ExtraUserAgent] = p.UserAgent
		}
	}

	ev := New(c.Type, ts, extra)
	ev.Unclassified = c.Unclassified

	return Submission{
		ExternalID: p.MessageID,
		Recipient:  NormalizeRecipient(p.Email),
		GroupKey:   GroupKey(p.Subject, ts, loc),
		Subject:    p.Subject,
		Event:      ev,
	}, nil
}

// GroupDateLayout is the layout of the date suffix of a group key.
const GroupDateLayout = "2006-01-02"

// GroupKey identifies the MessageGroup of an email: its subject and the
// calendar date it was sent on.
func GroupKey(subject string, sentAt time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return strings.TrimSpace(subject) + "|" + sentAt.In(loc).Format(GroupDateLayout)
}

// GroupDate parses the date suffix of a group key.
func GroupDate(key string) (time.Time, bool) {
	_, date := SplitGroupKey(key)
	d, err := time.Parse(GroupDateLayout, date)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// SplitGroupKey is the inverse of GroupKey.
func SplitGroupKey(key string) (subject, date string) {
	i := strings.LastIndex(key, "|")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

func NormalizeRecipient(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
