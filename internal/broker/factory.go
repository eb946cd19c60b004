package broker

import (
	"errors"
	"fmt"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
)

// ErrBrokerDisabled is returned when broker.type is empty.
var ErrBrokerDisabled = errors.New("broker disabled")

// NewProducer builds the producer for cfg.Type, labelled with service in
// metrics.
func NewProducer(cfg config.BrokerConfig, service string, log logger.Logger) (Producer, error) {
	var p Producer
	switch cfg.Type {
	case "":
		return nil, ErrBrokerDisabled
	case constants.BrokerKafka:
		p = NewKafkaProducer(cfg.Kafka, log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
	if service != "" {
		p.SetServiceName(service)
	}
	return p, nil
}

func NewConsumer(cfg config.BrokerConfig, service string, log logger.Logger) (Consumer, error) {
	var c Consumer
	switch cfg.Type {
	case "":
		return nil, ErrBrokerDisabled
	case constants.BrokerKafka:
		c = NewKafkaConsumer(cfg.Kafka, log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
	if service != "" {
		c.SetServiceName(service)
	}
	return c, nil
}
