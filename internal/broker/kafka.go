package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
	"mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/models"
	"mailtrail/pkg/retry"
	"mailtrail/pkg/tracing"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "unknown"}
}

func (p *KafkaProducer) SetServiceName(name string) {
	p.serviceName = name
}

// Publish writes msg keyed by key so that every event of one email lands on
// the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	return p.PublishKeyed(ctx, topic, msg.ID, msg)
}

func (p *KafkaProducer) PublishKeyed(ctx context.Context, topic, key string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, key)
	defer span.End()
	headers := tracing.InjectTraceContext(ctx, nil)

	start := time.Now()
	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return errors.ErrServiceUnavailable.WithCause(err).
			WithDetail("message", "failed to write kafka message").AsRetryable()
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume blocks until ctx is done, handing each message to handler with
// retries. Messages that still fail go to the DLQ topic when one is set;
// either way they are committed so one bad message cannot stall the
// partition.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			metrics.IncKafkaMessagesRead(c.serviceName, topic)
			metrics.SetKafkaConsumerLag(c.serviceName, topic, m.Partition, c.reader.Lag())

			c.handle(ctx, m, handler)
			if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				c.logger.ErrorwCtx(consumeCtx, "Failed to commit message",
					"error", err,
					"topic", topic,
					"offset", m.Offset,
				)
			}
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

// handle processes one fetched message; the caller commits afterwards.
func (c *KafkaConsumer) handle(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := tracing.StartConsumerSpan(ctx, m)
	defer span.End()
	msgCtx = logging.WithServiceName(msgCtx, c.serviceName)

	var envelope models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to unmarshal message",
			"error", err,
			"topic", m.Topic,
			"offset", m.Offset,
		)
		return
	}

	if envelope.Metadata.TraceID != "" {
		msgCtx = logging.WithTraceID(msgCtx, envelope.Metadata.TraceID)
	}
	msgCtx = logging.WithMessageID(msgCtx, envelope.ID)

	err := c.processMessageWithRetry(msgCtx, envelope, handler, m.Topic)
	if err == nil || ctx.Err() != nil {
		return
	}

	span.RecordError(err)
	c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
		"error", err,
		"topic", m.Topic,
	)
	if c.dlqProducer == nil || c.cfg.DLQTopic == "" {
		c.logger.WarnwCtx(msgCtx, "No DLQ configured, committing message to avoid blocking", "topic", m.Topic)
		return
	}
	if dlqErr := c.sendToDLQ(msgCtx, envelope, err, m.Topic); dlqErr != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ",
			"error", dlqErr,
			"topic", m.Topic,
		)
	}
}

func (c *KafkaConsumer) Close() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

// consumerRetry applies when broker.kafka.retry leaves a field unset.
var consumerRetry = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2.0,
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, envelope models.MessageEnvelope, handler HandlerFunc, topic string) error {
	policy := retry.PolicyFrom(c.cfg.Retry).WithDefaults(consumerRetry)

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, envelope)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, envelope models.MessageEnvelope, originalErr error, sourceTopic string) error {
	envelope.Metadata.DLQ = &models.DLQInfo{
		Reason:      originalErr.Error(),
		SourceTopic: sourceTopic,
		FailedAt:    time.Now().UTC(),
	}

	if err := c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	reason := "max_retries_exceeded"
	if !errors.IsRetryable(originalErr) {
		reason = "non_retryable"
	}
	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)

	return nil
}
