package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/models"
)

// DeadLetterSink receives events the consumer could not apply: schema
// violations and poison events that kept failing. Implementations must
// not lose the original payload — it is the only copy left once the
// consumer commits past the event.
type DeadLetterSink interface {
	Divert(ctx context.Context, envelope models.DeadLetterEnvelope) error
}

// KafkaDeadLetterSink publishes envelopes to the `learning.deadletter`
// topic.
type KafkaDeadLetterSink struct {
	writer *kafka.Writer
}

// NewKafkaDeadLetterSink builds the sink against the configured brokers.
func NewKafkaDeadLetterSink(cfg config.EventLogConfig) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Divert implements DeadLetterSink.
func (s *KafkaDeadLetterSink) Divert(ctx context.Context, envelope models.DeadLetterEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		log.Error().Err(err).Str("error_kind", envelope.ErrorKind).Msg("dead-letter publish failed")
		return err
	}
	return nil
}

// Close releases the underlying writer.
func (s *KafkaDeadLetterSink) Close() error {
	return s.writer.Close()
}
