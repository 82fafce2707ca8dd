package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/pkg/errors"
)

func TestPublishEncodesEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewPublisherWithProducer(producer, "training.events", nil, nil)

	event := message.NewEvent(message.EventStepLogged, "run-1", "dpo")
	event.Step = 10
	event.Payload["loss"] = 0.5

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "training.events" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "run-1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var decoded message.Event
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Step != 10 || decoded.Type != message.EventStepLogged {
			return fmt.Errorf("unexpected event %+v", decoded)
		}
		return nil
	})

	require.NoError(t, pub.Publish(context.Background(), event))
	require.NoError(t, pub.Close())
}

func TestPublishInjectsTraceHeaders(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	tracer := trace.NewTracerWithProvider(sdktrace.NewTracerProvider(), "test")
	pub := NewPublisherWithProducer(producer, "events", tracer, nil)

	ctx, span := tracer.Start(context.Background(), "step")
	defer span.End()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		carrier := &headerCarrier{msg: msg}
		if carrier.Get("traceparent") == "" {
			return fmt.Errorf("traceparent header missing, got %v", carrier.Keys())
		}
		if carrier.Get("event_type") != message.EventRunStarted {
			return fmt.Errorf("event_type header missing")
		}
		return nil
	})

	require.NoError(t, pub.Publish(ctx, message.NewEvent(message.EventRunStarted, "run-1", "sft")))
	require.NoError(t, pub.Close())
}

func TestPublishFailureIsEventError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewPublisherWithProducer(producer, "events", nil, nil)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := pub.Publish(context.Background(), message.NewEvent(message.EventRunFailed, "r", "sft"))
	assert.True(t, errors.Is(err, errors.CodeEventError))
	require.NoError(t, pub.Close())
}

func TestNewPublisherValidation(t *testing.T) {
	_, err := NewPublisher(nil, nil, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))

	_, err = NewPublisher(&KafkaConfig{Brokers: []string{"localhost:9092"}}, nil, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))

	_, err = newSaramaConfig(&KafkaConfig{Version: "not-a-version"})
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}

func TestHeaderCarrierSetOverwrites(t *testing.T) {
	carrier := &headerCarrier{msg: &sarama.ProducerMessage{}}
	carrier.Set("a", "1")
	carrier.Set("a", "2")
	assert.Equal(t, "2", carrier.Get("a"))
	assert.Equal(t, []string{"a"}, carrier.Keys())
}
