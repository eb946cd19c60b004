package webhook

import (
	"context"

	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
)

// OutcomeQueued is reported when the event was handed to the broker.
const OutcomeQueued = "queued"

// Sink records one normalized event and names the outcome.
type Sink interface {
	Accept(ctx context.Context, sub events.Submission) (string, error)
}

type Ingester interface {
	Ingest(ctx context.Context, sub events.Submission) (ledger.IngestResult, error)
}

// LedgerSink ingests synchronously.
type LedgerSink struct {
	ingester Ingester
}

func NewLedgerSink(ing Ingester) *LedgerSink {
	return &LedgerSink{ingester: ing}
}

func (s *LedgerSink) Accept(ctx context.Context, sub events.Submission) (string, error) {
	res, err := s.ingester.Ingest(ctx, sub)
	if err != nil {
		return "", err
	}
	return string(res.Outcome), nil
}

type Publisher interface {
	Publish(ctx context.Context, sub events.Submission) error
}

// BrokerSink defers ingestion to the events topic consumer.
type BrokerSink struct {
	publisher Publisher
}

func NewBrokerSink(p Publisher) *BrokerSink {
	return &BrokerSink{publisher: p}
}

func (s *BrokerSink) Accept(ctx context.Context, sub events.Submission) (string, error) {
	if err := s.publisher.Publish(ctx, sub); err != nil {
		return "", err
	}
	return OutcomeQueued, nil
}
