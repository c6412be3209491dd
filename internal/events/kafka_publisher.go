package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

// Envelope wraps every event written to the round stream.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Table      string          `json:"table"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes round and bet events to one topic, keyed by round
// id so a round's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	table  string
	log    *zap.Logger
	nowFn  func() time.Time
}

// NewKafkaPublisher returns a publisher backed by an async writer. Publish
// only queues the message; delivery failures are reported by the writer's
// completion callback.
func NewKafkaPublisher(brokers []string, topic, table string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
	}
	p := newPublisher(writer, table)
	writer.Completion = p.completed
	return p, nil
}

func newPublisher(w messageWriter, table string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		table:  table,
		log:    logger.Named("events").With(zap.String("table", table)),
		nowFn:  time.Now,
	}
}

// completed runs on the writer's goroutine once a batch is acked or failed.
func (p *KafkaPublisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.EventsFailed.WithLabelValues("write_error").Add(float64(len(msgs)))
	p.log.Error("kafka delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
}

func (p *KafkaPublisher) Publish(ctx context.Context, key, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Table:      p.table,
		OccurredAt: p.nowFn().UTC(),
		Payload:    body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    env.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka publish failed", zap.String("type", eventType), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kafka write error: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
