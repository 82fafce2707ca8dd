// Package kafka publishes training events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/pkg/errors"
)

// KafkaConfig producer settings
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Topic    string
	Version  string
	Timeout  time.Duration
}

// Publisher sends events through a synchronous producer
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	tracer   trace.Tracer
	logger   logging.Logger
}

// NewPublisher connects a sync producer to the brokers
func NewPublisher(config *KafkaConfig, tracer trace.Tracer, logger logging.Logger) (*Publisher, error) {
	if config == nil || len(config.Brokers) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "kafka brokers cannot be empty")
	}
	if config.Topic == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "kafka topic cannot be empty")
	}

	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEventError, "failed to create kafka producer")
	}

	return NewPublisherWithProducer(producer, config.Topic, tracer, logger), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, tracer trace.Tracer, logger logging.Logger) *Publisher {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Publisher{producer: producer, topic: topic, tracer: tracer, logger: logger}
}

func newSaramaConfig(config *KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}
	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid kafka version %q", config.Version)
		}
		saramaConfig.Version = version
	}
	if config.Timeout > 0 {
		saramaConfig.Producer.Timeout = config.Timeout
	}
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Retry.Max = 3
	return saramaConfig, nil
}

// Publish sends one event keyed by its run ID
func (p *Publisher) Publish(ctx context.Context, event *message.Event) error {
	if event == nil {
		return errors.New(errors.CodeInvalidArgument, "event cannot be nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternalError, "failed to encode event")
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.RunID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: event.Timestamp,
	}
	p.tracer.InjectContext(ctx, &headerCarrier{msg: msg})

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, errors.CodeEventError, "failed to publish %s event", event.Type)
	}

	p.logger.Debug("event published",
		logging.String("event_type", event.Type),
		logging.String("topic", p.topic),
		logging.Int("partition", int(partition)),
		logging.Int64("offset", offset),
	)
	return nil
}

// Close closes the producer
func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return errors.Wrap(err, errors.CodeEventError, "failed to close kafka producer")
	}
	return nil
}

// headerCarrier adapts message headers to the propagation carrier
type headerCarrier struct {
	msg *sarama.ProducerMessage
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if string(h.Key) == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = string(h.Key)
	}
	return keys
}
