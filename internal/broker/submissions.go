package broker

import (
	"context"
	"fmt"

	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/models"
)

// SubmissionPublisher puts normalized delivery events on the events topic,
// keyed by external id so one email's events stay in order.
type SubmissionPublisher struct {
	producer KeyedProducer
	topic    string
}

func NewSubmissionPublisher(producer KeyedProducer, topic string) *SubmissionPublisher {
	return &SubmissionPublisher{producer: producer, topic: topic}
}

func (p *SubmissionPublisher) Publish(ctx context.Context, sub events.Submission) error {
	env, err := models.NewMessageEnvelopeBuilder().
		WithKind(models.KindDeliveryEvent).
		WithSource(sub.Source).
		WithTraceID(logging.GetTraceID(ctx)).
		WithPayload(sub).
		Build()
	if err != nil {
		return err
	}
	return p.producer.PublishKeyed(ctx, p.topic, sub.ExternalID, *env)
}

// Ingester is the ledger write path fed by the consumer.
type Ingester interface {
	Ingest(ctx context.Context, sub events.Submission) (ledger.IngestResult, error)
}

// SubmissionHandler decodes delivery-event envelopes and ingests them.
// Malformed payloads are reported as validation errors so the consumer
// parks them without retrying.
func SubmissionHandler(ing Ingester, log logger.Logger) HandlerFunc {
	return func(ctx context.Context, msg models.MessageEnvelope) error {
		if msg.Kind != models.KindDeliveryEvent {
			return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("unexpected envelope kind %q", msg.Kind))
		}

		var sub events.Submission
		if err := msg.Decode(&sub); err != nil {
			return pkgerrors.ErrValidation.WithCause(err)
		}

		res, err := ing.Ingest(ctx, sub)
		if err != nil {
			return err
		}
		log.DebugwCtx(ctx, "Delivery event ingested",
			"external_id", sub.ExternalID,
			"type", sub.Event.Type,
			"outcome", res.Outcome,
		)
		return nil
	}
}
