package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/infra/config"
)

const schemaVersion = "1.0"

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Topic     string           `json:"topic"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   map[string]any   `json:"payload,omitempty"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

// NotificationPublisher emits change notifications onto Kafka.
type NotificationPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
	now      func() time.Time
}

// NewNotificationPublisher constructs a Kafka-backed notification publisher.
func NewNotificationPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *NotificationPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationPublisher{
		producer: producer,
		appCfg:   appCfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish enqueues the notification on its topic. Delivery failures surface on Producer.Errors.
func (p *NotificationPublisher) Publish(ctx context.Context, n domain.Notification) error {
	if n.Topic == "" {
		return domain.ErrNoTopics
	}

	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	bytes, err := json.Marshal(eventEnvelope{
		EventID:   id,
		EventType: n.Kind,
		Topic:     n.Topic,
		Timestamp: p.now(),
		Version:   schemaVersion,
		Payload:   n.Payload,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(n.Topic),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.NotificationPublisher = (*NotificationPublisher)(nil)
