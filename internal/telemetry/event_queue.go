package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// MessageWriter is the subset of *kafka.Writer the queue needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type QueueConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// KafkaEventQueue hands enriched tracking events to the downstream consumer.
// Enqueue returns only after the brokers acknowledged the write.
type KafkaEventQueue struct {
	w     MessageWriter
	topic string
	now   func() time.Time
}

func NewKafkaEventQueue(cfg QueueConfig) (*KafkaEventQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Transport:              &kafka.Transport{DialTimeout: cfg.DialTimeout},
		AllowAutoTopicCreation: false,
		Async:                  false,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
	}
	logger.Infof("Kafka event queue writing to %s on %v", cfg.Topic, cfg.Brokers)
	return NewKafkaEventQueueWithWriter(w, cfg.Topic), nil
}

// NewKafkaEventQueueWithWriter wraps an existing writer (tests pass a fake).
func NewKafkaEventQueueWithWriter(w MessageWriter, topic string) *KafkaEventQueue {
	return &KafkaEventQueue{w: w, topic: topic, now: time.Now}
}

// Enqueue writes one event. Events of the same session hash to the same
// partition so the consumer sees them in order.
func (q *KafkaEventQueue) Enqueue(ctx context.Context, ev models.TrackingEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   messageKey(ev),
		Value: payload,
		Time:  q.now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(ev.Name())},
		},
	}
	if err := q.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", q.topic, err)
	}
	return nil
}

func (q *KafkaEventQueue) Close() error {
	return q.w.Close()
}

func messageKey(ev models.TrackingEvent) []byte {
	for _, field := range []string{"session_id", "user_id"} {
		if s := ev.String(field); s != "" {
			return []byte(s)
		}
	}
	return []byte(uuid.NewString())
}
