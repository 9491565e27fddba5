package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/evolution/internal/retry"
)

// Producer is the part of a Kafka client the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

type KafkaProducerConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes ledger envelopes keyed by sequence number. A hash balancer keeps all
// messages for one key on one partition.
type KafkaProducer struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaProducer(w, cfg), nil
}

func newKafkaProducer(w messageWriter, cfg KafkaProducerConfig) *KafkaProducer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaProducer{writer: w, topic: cfg.Topic, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}
}

func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	msg := kafka.Message{Key: key, Value: value}
	policy := retry.Config{
		MaxRetries:     p.maxAttempts - 1,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		msg.Time = time.Now().UTC()
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(attemptCtx, msg)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("kafka produce to %s: %w", p.topic, err)
	}
	return msg.Time, nil
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
