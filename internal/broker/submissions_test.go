package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/config"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/models"
)

type published struct {
	topic string
	key   string
	msg   models.MessageEnvelope
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	return f.PublishKeyed(ctx, topic, msg.ID, msg)
}

func (f *fakeProducer) PublishKeyed(_ context.Context, topic, key string, msg models.MessageEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, key: key, msg: msg})
	return nil
}

func (f *fakeProducer) SetServiceName(string) {}

func (f *fakeProducer) Close() error { return nil }

type fakeIngester struct {
	calls int
	got   events.Submission
	err   error
}

func (f *fakeIngester) Ingest(_ context.Context, sub events.Submission) (ledger.IngestResult, error) {
	f.calls++
	f.got = sub
	if f.err != nil {
		return ledger.IngestResult{}, f.err
	}
	return ledger.IngestResult{Outcome: ledger.OutcomeApplied}, nil
}

var ts = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func submission() events.Submission {
	return events.Submission{
		ExternalID: "<m-1@relay>",
		Recipient:  "a@example.com",
		Source:     "webhook",
		Event:      events.New(events.TypeDelivered, ts, map[string]interface{}{events.ExtraIP: "10.0.0.1"}),
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewSubmissionPublisher(producer, "delivery_events")

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	require.NoError(t, pub.Publish(ctx, submission()))
	require.Len(t, producer.sent, 1)

	out := producer.sent[0]
	assert.Equal(t, "delivery_events", out.topic)
	assert.Equal(t, "<m-1@relay>", out.key)
	assert.Equal(t, models.KindDeliveryEvent, out.msg.Kind)
	assert.Equal(t, "trace-1", out.msg.Metadata.TraceID)

	ing := &fakeIngester{}
	require.NoError(t, SubmissionHandler(ing, logger.NopLogger())(context.Background(), out.msg))
	assert.Equal(t, 1, ing.calls)
	assert.Equal(t, "<m-1@relay>", ing.got.ExternalID)
	assert.Equal(t, events.TypeDelivered, ing.got.Event.Type)
	assert.True(t, ing.got.Event.Timestamp.Equal(ts))
	assert.Equal(t, "10.0.0.1", ing.got.Event.Extra[events.ExtraIP])
}

func TestSubmissionHandlerRejectsForeignKinds(t *testing.T) {
	ing := &fakeIngester{}
	handler := SubmissionHandler(ing, logger.NopLogger())

	err := handler(context.Background(), models.MessageEnvelope{ID: "x", Kind: "config_update"})
	assert.True(t, pkgerrors.IsValidation(err))

	err = handler(context.Background(), models.MessageEnvelope{ID: "x", Kind: models.KindDeliveryEvent, Payload: json.RawMessage(`{"event":`)})
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Equal(t, 0, ing.calls)
}

func newTestConsumer(dlq Producer) *KafkaConsumer {
	return &KafkaConsumer{
		cfg: config.KafkaConfig{
			DLQTopic: "delivery_events_dlq",
			Retry:    config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		},
		logger:      logger.NopLogger(),
		dlqProducer: dlq,
		serviceName: "test",
	}
}

func kafkaMessage(t *testing.T, env *models.MessageEnvelope) kafka.Message {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: "delivery_events", Value: body}
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	dlq := &fakeProducer{}
	c := newTestConsumer(dlq)

	env, err := models.NewMessageEnvelopeBuilder().WithKind(models.KindDeliveryEvent).WithPayload(submission()).Build()
	require.NoError(t, err)

	attempts := 0
	c.handle(context.Background(), kafkaMessage(t, env), func(context.Context, models.MessageEnvelope) error {
		attempts++
		if attempts < 3 {
			return pkgerrors.ErrTimeout.AsRetryable()
		}
		return nil
	})
	assert.Equal(t, 3, attempts)
	assert.Empty(t, dlq.sent)
}

func TestConsumerParksTerminalFailures(t *testing.T) {
	dlq := &fakeProducer{}
	c := newTestConsumer(dlq)

	env, err := models.NewMessageEnvelopeBuilder().WithKind(models.KindDeliveryEvent).WithPayload(submission()).Build()
	require.NoError(t, err)

	attempts := 0
	c.handle(context.Background(), kafkaMessage(t, env), func(context.Context, models.MessageEnvelope) error {
		attempts++
		return pkgerrors.ErrOrphanEvent
	})
	assert.Equal(t, 1, attempts)
	require.Len(t, dlq.sent, 1)
	assert.Equal(t, "delivery_events_dlq", dlq.sent[0].topic)
	require.NotNil(t, dlq.sent[0].msg.Metadata.DLQ)
	assert.Equal(t, "delivery_events", dlq.sent[0].msg.Metadata.DLQ.SourceTopic)
}

func TestConsumerRecoversPanics(t *testing.T) {
	dlq := &fakeProducer{}
	c := newTestConsumer(dlq)

	env, err := models.NewMessageEnvelopeBuilder().WithKind(models.KindDeliveryEvent).WithPayload(submission()).Build()
	require.NoError(t, err)

	attempts := 0
	c.handle(context.Background(), kafkaMessage(t, env), func(context.Context, models.MessageEnvelope) error {
		attempts++
		panic("boom")
	})
	assert.Equal(t, 1, attempts)
	require.Len(t, dlq.sent, 1)
	assert.Contains(t, dlq.sent[0].msg.Metadata.DLQ.Reason, "boom")
}

func TestConsumerSkipsUndecodableMessages(t *testing.T) {
	dlq := &fakeProducer{}
	c := newTestConsumer(dlq)

	called := false
	c.handle(context.Background(), kafka.Message{Value: []byte("not json")}, func(context.Context, models.MessageEnvelope) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.Empty(t, dlq.sent)
}

func TestConsumerDLQFailureIsLogged(t *testing.T) {
	dlq := &fakeProducer{err: errors.New("broker down")}
	c := newTestConsumer(dlq)

	env, err := models.NewMessageEnvelopeBuilder().WithKind(models.KindDeliveryEvent).WithPayload(submission()).Build()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		c.handle(context.Background(), kafkaMessage(t, env), func(context.Context, models.MessageEnvelope) error {
			return pkgerrors.ErrValidation
		})
	})
}
