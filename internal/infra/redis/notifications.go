package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
)

const defaultSubscriptionBuffer = 16

// NotificationChannel carries change notifications over Redis pub/sub. Each topic maps to one Redis
// channel under the configured prefix; filtering happens on the subscriber side.
type NotificationChannel struct {
	client *red.Client
	prefix string
	buffer int
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ port.NotificationChannel   = (*NotificationChannel)(nil)
	_ port.NotificationPublisher = (*NotificationChannel)(nil)
)

// NewNotificationChannel constructs a channel over client. prefix may be empty.
func NewNotificationChannel(client *red.Client, prefix string) *NotificationChannel {
	return &NotificationChannel{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		buffer: defaultSubscriptionBuffer,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithLogger attaches a structured logger.
func (c *NotificationChannel) WithLogger(logger *zap.Logger) *NotificationChannel {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Subscribe opens one Redis subscription covering every topic and waits for it to be confirmed.
func (c *NotificationChannel) Subscribe(ctx context.Context, topics []string, filter *domain.EventFilter) (port.Subscription, error) {
	if len(topics) == 0 {
		return nil, domain.ErrNoTopics
	}

	names := make([]string, 0, len(topics))
	for _, topic := range topics {
		names = append(names, c.channelName(topic))
	}

	ps := c.client.Subscribe(ctx, names...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &pubSubSubscription{
		id:     uuid.NewString(),
		topics: append([]string(nil), topics...),
		ps:     ps,
		events: make(chan domain.Notification, c.buffer),
	}
	go c.pump(sub, ps.Channel(), filter)

	c.logger.Debug("redis subscription opened",
		zap.String("subscription_id", sub.id),
		zap.Strings("channels", names),
		zap.Stringer("filter", filter),
	)
	return sub, nil
}

// Publish encodes n as JSON and publishes it on the topic's channel.
func (c *NotificationChannel) Publish(ctx context.Context, n domain.Notification) error {
	if n.Topic == "" {
		return domain.ErrNoTopics
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelName(n.Topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *NotificationChannel) pump(sub *pubSubSubscription, messages <-chan *red.Message, filter *domain.EventFilter) {
	defer close(sub.events)

	for msg := range messages {
		n, err := decodeNotification([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn("discarding undecodable notification", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if n.Topic == "" {
			n.Topic = c.topicName(msg.Channel)
		}
		if !filter.Matches(n) {
			continue
		}
		n.ReceivedAt = c.now()

		select {
		case sub.events <- n:
		default:
			c.logger.Debug("subscriber buffer full, notification dropped",
				zap.String("subscription_id", sub.id),
				zap.String("topic", n.Topic),
			)
		}
	}
}

func (c *NotificationChannel) channelName(topic string) string {
	if c.prefix == "" {
		return topic
	}
	return c.prefix + ":" + topic
}

func (c *NotificationChannel) topicName(channel string) string {
	if c.prefix == "" {
		return channel
	}
	return strings.TrimPrefix(channel, c.prefix+":")
}

func decodeNotification(raw []byte) (domain.Notification, error) {
	var n domain.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return domain.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

type pubSubSubscription struct {
	id     string
	topics []string
	ps     *red.PubSub
	events chan domain.Notification

	once     sync.Once
	closeErr error
}

func (s *pubSubSubscription) ID() string                         { return s.id }
func (s *pubSubSubscription) Topics() []string                   { return append([]string(nil), s.topics...) }
func (s *pubSubSubscription) Events() <-chan domain.Notification { return s.events }

// Close unsubscribes and releases the connection. The event stream closes once drained.
func (s *pubSubSubscription) Close() error {
	s.once.Do(func() {
		if err := s.ps.Close(); err != nil {
			s.closeErr = fmt.Errorf("close redis subscription: %w", err)
		}
	})
	return s.closeErr
}
