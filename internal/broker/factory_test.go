package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
)

func TestFactory(t *testing.T) {
	_, err := NewProducer(config.BrokerConfig{}, "svc", logger.NopLogger())
	assert.ErrorIs(t, err, ErrBrokerDisabled)
	_, err = NewConsumer(config.BrokerConfig{}, "svc", logger.NopLogger())
	assert.ErrorIs(t, err, ErrBrokerDisabled)

	_, err = NewProducer(config.BrokerConfig{Type: "nats"}, "svc", logger.NopLogger())
	assert.ErrorContains(t, err, "unknown broker type")

	cfg := config.BrokerConfig{Type: constants.BrokerKafka, Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}}}
	p, err := NewProducer(cfg, "ledger-service", logger.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, "ledger-service", p.(*KafkaProducer).serviceName)
	require.NoError(t, p.Close())

	c, err := NewConsumer(cfg, "ledger-service", logger.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, "ledger-service", c.(*KafkaConsumer).serviceName)
	require.NoError(t, c.Close())
}
