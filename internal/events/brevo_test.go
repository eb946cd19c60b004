package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "mailtrail/pkg/errors"
)

func TestParseBrevoWebhook(t *testing.T) {
	body := []byte(`{
		"event": "hard_bounce",
		"message-id": "<202403011000.1@smtp-relay.mailin.fr>",
		"email": " User@Example.com ",
		"subject": "Welcome",
		"ts_event": 1709287200,
		"reason": "550 mailbox unavailable"
	}`)

	sub, err := ParseBrevoWebhook(body, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "<202403011000.1@smtp-relay.mailin.fr>", sub.ExternalID)
	assert.Equal(t, "user@example.com", sub.Recipient)
	assert.Equal(t, "Welcome|2024-03-01", sub.GroupKey)
	assert.Equal(t, TypeBounced, sub.Event.Type)
	assert.Equal(t, time.Unix(1709287200, 0).UTC(), sub.Event.Timestamp)
	assert.Equal(t, BounceHard, sub.Event.Extra[ExtraBounceType])
	assert.Equal(t, "550 mailbox unavailable", sub.Event.Extra[ExtraBounceReason])
	assert.Equal(t, "hard_bounce", sub.Event.Extra[ExtraProviderEvent])
	assert.Contains(t, sub.Event.Extra, ExtraRaw)
	assert.NoError(t, sub.Validate())
}

func TestParseBrevoWebhookExtras(t *testing.T) {
	click, err := ParseBrevoWebhook([]byte(`{"event":"click","message-id":"m1","email":"a@b.c","ts_event":1709287200,"link":"https://example.com/x"}`), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", click.Event.Extra[ExtraClickURL])

	open, err := ParseBrevoWebhook([]byte(`{"event":"opened","message-id":"m1","email":"a@b.c","ts_event":1709287200,"ip":"10.0.0.1","user_agent":"Mozilla"}`), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", open.Event.Extra[ExtraIP])
	assert.Equal(t, "Mozilla", open.Event.Extra[ExtraUserAgent])

	bounce, err := ParseBrevoWebhook([]byte(`{"event":"soft_bounce","message-id":"m1","email":"a@b.c","ts_event":1709287200}`), time.UTC)
	require.NoError(t, err)
	assert.True(t, bounce.Event.NeedsEnrichment())
}

func TestParseBrevoWebhookUnknownEvent(t *testing.T) {
	sub, err := ParseBrevoWebhook([]byte(`{"event":"list_addition","message-id":"m1","email":"a@b.c","ts_event":1709287200}`), time.UTC)
	require.NoError(t, err)
	assert.True(t, sub.Event.Unclassified)
	assert.True(t, pkgerrors.IsValidation(sub.Validate()))
}

func TestParseBrevoWebhookRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "not json", body: `{`, field: "body"},
		{name: "no event", body: `{"message-id":"m1","email":"a@b.c","ts_event":1}`, field: "event"},
		{name: "no message id", body: `{"event":"delivered","email":"a@b.c","ts_event":1}`, field: "message-id"},
		{name: "no email", body: `{"event":"delivered","message-id":"m1","ts_event":1}`, field: "email"},
		{name: "no timestamp", body: `{"event":"delivered","message-id":"m1","email":"a@b.c"}`, field: "ts_event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBrevoWebhook([]byte(tt.body), time.UTC)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestGroupKeyUsesLocation(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	late := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "Promo|2024-03-01", GroupKey(" Promo ", late, time.UTC))
	assert.Equal(t, "Promo|2024-03-02", GroupKey("Promo", late, rome))

	subject, date := SplitGroupKey("A|B|2024-03-02")
	assert.Equal(t, "A|B", subject)
	assert.Equal(t, "2024-03-02", date)
}

func TestSubmissionValidate(t *testing.T) {
	ts := time.Now()
	assert.Error(t, Submission{Event: New(TypeSent, ts, nil)}.Validate())
	assert.Error(t, Submission{ExternalID: "m1", Event: New(TypeSent, ts, nil)}.Validate())
	assert.NoError(t, Submission{ExternalID: "m1", Event: New(TypeDelivered, ts, nil)}.Validate())
	assert.NoError(t, Submission{ExternalID: "m1", Recipient: "a@b.c", GroupKey: "S|2024-01-01", Event: New(TypeSent, ts, nil)}.Validate())
}
