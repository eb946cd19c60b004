package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"mailtrail/internal/broker"
	"mailtrail/internal/config"
	"mailtrail/internal/logger"
)

// Base owns the broker clients a service shares between its components.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Service  string
	Producer broker.Producer
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, service string, log logger.Logger) *Base {
	return &Base{
		Config:  cfg,
		Logger:  log,
		Service: service,
	}
}

// BrokerEnabled reports whether broker.type is set.
func (b *Base) BrokerEnabled() bool {
	return b.Config.Broker.Type != ""
}

// InitProducer connects the producer only, for services that publish but
// never consume.
func (b *Base) InitProducer() error {
	producer, err := broker.NewProducer(b.Config.Broker, b.Service, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

func (b *Base) InitBroker() error {
	if err := b.InitProducer(); err != nil {
		return err
	}

	consumer, err := broker.NewConsumer(b.Config.Broker, b.Service, b.Logger)
	if err != nil {
		b.Producer.Close()
		b.Producer = nil
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	b.Consumer = consumer

	b.Logger.Infow("Broker initialized",
		"type", b.Config.Broker.Type,
		"brokers", b.Config.Broker.Kafka.Brokers,
		"group_id", b.Config.Broker.Kafka.GroupID,
	)
	return nil
}

// ShutdownBroker closes the consumer before the producer so in-flight DLQ
// writes can finish.
func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	return errs
}

// Shutdown closes the broker and then runs additional, joining every
// error.
func (b *Base) Shutdown(ctx context.Context, additional func(ctx context.Context) []error) error {
	b.Logger.Infow("Shutting down application", "service", b.Service)

	errs := b.ShutdownBroker()
	if additional != nil {
		errs = append(errs, additional(ctx)...)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	b.Logger.Infow("Application exited successfully", "service", b.Service)
	return nil
}
