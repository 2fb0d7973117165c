package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"voxmail/internal/metrics"
)

const sinkKafka = "kafka"

type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to one Kafka topic, keyed by chat id. When Kafka is
// disabled it only logs.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewPublisher(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("Kafka disabled, using log-only mode")
		return &Publisher{topic: cfg.Topic, logger: logger, metrics: m}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info("Kafka publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		enabled: true,
		logger:  logger,
		metrics: m,
	}
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.logger.Debug("Publishing event",
		"topic", p.topic,
		"run_id", e.RunID,
		"type", string(e.Type),
		"payload", string(payload),
	)

	if !p.enabled || p.writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.ChatID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(e.Type)},
			{Key: "runId", Value: []byte(e.RunID)},
		},
	}

	err = p.writer.WriteMessages(ctx, msg)
	p.metrics.RecordEvent(sinkKafka, err)
	if err != nil {
		p.logger.Error("Failed to write to Kafka", "topic", p.topic, "run_id", e.RunID, "err", err)
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
