package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// KafkaSink mirrors audit entries onto a Kafka topic for downstream
// aggregation. Produces are asynchronous; a failed produce is logged and
// forgotten, the store sink remains the source of truth.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	log    zerolog.Logger
}

// NewKafkaSink connects a producer to the given brokers (comma separated).
func NewKafkaSink(brokers, topic string, logger zerolog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic, log: logger}, nil
}

func (s *KafkaSink) Write(ctx context.Context, entry types.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(entry.ServerID),
		Value: value,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Error().Err(err).Str("topic", s.topic).Msg("Audit produce failed")
		}
	})
	return nil
}

// Close flushes outstanding produces and releases the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	if err := s.client.Flush(ctx); err != nil {
		s.client.Close()
		return err
	}
	s.client.Close()
	return nil
}
