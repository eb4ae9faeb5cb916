package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/infra/config"
)

const defaultBuffer = 16

// ConsumerGroupFactory opens a consumer group with the given id.
type ConsumerGroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// NotificationChannel subscribes to change notifications on Kafka. Every subscription joins its own
// consumer group starting at the newest offset, so each subscriber sees every event published after
// it subscribed.
type NotificationChannel struct {
	cfg      config.KafkaSettings
	newGroup ConsumerGroupFactory
	buffer   int
	logger   *zap.Logger
	now      func() time.Time
}

// NewNotificationChannel constructs a channel against the configured brokers.
func NewNotificationChannel(cfg config.KafkaSettings) *NotificationChannel {
	c := &NotificationChannel{
		cfg:    cfg,
		buffer: defaultBuffer,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	c.newGroup = func(groupID string) (sarama.ConsumerGroup, error) {
		saramaConfig := newSaramaConfig()
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
		saramaConfig.Consumer.Return.Errors = false
		return sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaConfig)
	}
	return c
}

// WithLogger attaches a structured logger.
func (c *NotificationChannel) WithLogger(logger *zap.Logger) *NotificationChannel {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithConsumerGroupFactory replaces how consumer groups are opened.
func (c *NotificationChannel) WithConsumerGroupFactory(factory ConsumerGroupFactory) *NotificationChannel {
	if factory != nil {
		c.newGroup = factory
	}
	return c
}

// Subscribe joins a fresh consumer group on the Kafka topics behind topics.
func (c *NotificationChannel) Subscribe(_ context.Context, topics []string, filter *domain.EventFilter) (port.Subscription, error) {
	if len(topics) == 0 {
		return nil, domain.ErrNoTopics
	}

	id := uuid.NewString()
	groupID := id
	if c.cfg.GroupPrefix != "" {
		groupID = c.cfg.GroupPrefix + "." + id
	}

	group, err := c.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	kafkaTopics := make([]string, len(topics))
	for i, topic := range topics {
		kafkaTopics[i] = topicName(c.cfg.TopicPrefix, topic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &groupSubscription{
		id:     id,
		topics: append([]string(nil), topics...),
		events: make(chan domain.Notification, c.buffer),
		group:  group,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	handler := &notificationHandler{
		prefix: c.cfg.TopicPrefix,
		filter: filter,
		events: sub.events,
		logger: c.logger.With(zap.String("subscription_id", id)),
		now:    c.now,
	}

	go sub.consume(ctx, kafkaTopics, handler, c.logger)

	c.logger.Debug("kafka subscription opened",
		zap.String("subscription_id", id),
		zap.String("group_id", groupID),
		zap.Strings("topics", kafkaTopics),
		zap.Stringer("filter", filter),
	)
	return sub, nil
}

type groupSubscription struct {
	id     string
	topics []string
	events chan domain.Notification
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}

	once     sync.Once
	closeErr error
}

func (s *groupSubscription) ID() string                         { return s.id }
func (s *groupSubscription) Topics() []string                   { return s.topics }
func (s *groupSubscription) Events() <-chan domain.Notification { return s.events }

// Close leaves the consumer group and waits until the event stream is closed.
func (s *groupSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.group.Close(); err != nil {
			s.closeErr = fmt.Errorf("close consumer group: %w", err)
		}
		<-s.done
	})
	return s.closeErr
}

func (s *groupSubscription) consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler, logger *zap.Logger) {
	defer close(s.done)
	defer close(s.events)

	for {
		if err := s.group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			logger.Warn("kafka consume failed", zap.String("subscription_id", s.id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type notificationHandler struct {
	prefix string
	filter *domain.EventFilter
	events chan<- domain.Notification
	logger *zap.Logger
	now    func() time.Time
}

func (h *notificationHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *notificationHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *notificationHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.HandleMessage(session.Context(), msg); err != nil {
				h.logger.Warn("dropping undecodable notification", zap.String("topic", msg.Topic), zap.Error(err))
			}
			session.MarkMessage(msg, "")
		}
	}
}

// HandleMessage decodes one Kafka message and forwards it when it passes the filter. A full buffer
// drops the event; consumers treat notifications as hints.
func (h *notificationHandler) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	n, err := decodeMessage(h.prefix, msg)
	if err != nil {
		return err
	}
	if !h.filter.Matches(n) {
		return nil
	}
	n.ReceivedAt = h.now()

	select {
	case h.events <- n:
	default:
		h.logger.Warn("subscriber buffer full, dropping notification", zap.String("topic", n.Topic))
	}
	return nil
}

func decodeMessage(prefix string, msg *sarama.ConsumerMessage) (domain.Notification, error) {
	if msg == nil {
		return domain.Notification{}, fmt.Errorf("message is nil")
	}

	var n domain.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return domain.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	n.Topic = portalTopic(prefix, msg.Topic)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return n, nil
}

var _ port.NotificationChannel = (*NotificationChannel)(nil)
