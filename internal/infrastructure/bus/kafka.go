// Package bus provides the outbox.Bus implementation on Kafka.
package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"stockcore/internal/core/apperror"
	"stockcore/internal/domain/outbox"
)

// KafkaPublisher publishes outbox payloads to Kafka, one topic per
// subject. Ordering across subjects is not guaranteed, matching the
// at-least-once contract of the outbox.
type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ outbox.Bus = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher over the given brokers.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes one message to the subject's topic.
func (p *KafkaPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: subject,
		Value: payload,
	})
	if err != nil {
		return apperror.NewBackendUnavailable("message bus", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
