package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Publisher emits committed run reports to downstream consumers. Publishing
// is post-commit and best-effort: a failed publish never affects the run.
type Publisher interface {
	PublishRunReport(ctx context.Context, report models.RunReport) error
	Close() error
}

// KafkaPublisherConfig configures the Kafka run-report publisher.
type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher writes run reports to a Kafka topic keyed by run id, so all
// messages for a run land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) PublishRunReport(ctx context.Context, report models.RunReport) error {
	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(report.RunID.String()),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
