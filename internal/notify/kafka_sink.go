package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes lifecycle events keyed by ride id so a ride's events
// stay ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	logger  *slog.Logger
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return NewKafkaSinkWithWriter(w, logger)
}

func NewKafkaSinkWithWriter(w MessageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, logger: logger, timeout: 2 * time.Second}
}

func (k *KafkaSink) Notify(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		k.logger.Error("encode event", "error", err, "op", e.Op)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b}); err != nil {
		k.logger.Warn("publish event failed", "error", err, "op", e.Op, "ride_id", e.RideID)
	}
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
