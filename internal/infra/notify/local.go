// Package notify provides an in-process push channel. It backs local development and tests and has
// the same delivery contract as the Redis and Kafka channels: best effort, filtered per subscription.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
)

// DefaultBuffer is the per-subscription event buffer.
const DefaultBuffer = 16

// LocalChannel fans notifications out to in-process subscribers.
type LocalChannel struct {
	mu     sync.RWMutex
	subs   map[string]*localSubscription
	buffer int
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ port.NotificationChannel   = (*LocalChannel)(nil)
	_ port.NotificationPublisher = (*LocalChannel)(nil)
)

// NewLocalChannel constructs an empty channel. A non-positive buffer uses DefaultBuffer.
func NewLocalChannel(buffer int) *LocalChannel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LocalChannel{
		subs:   make(map[string]*localSubscription),
		buffer: buffer,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithLogger attaches a structured logger.
func (c *LocalChannel) WithLogger(logger *zap.Logger) *LocalChannel {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Subscribe registers interest in topics, optionally narrowed by filter.
func (c *LocalChannel) Subscribe(_ context.Context, topics []string, filter *domain.EventFilter) (port.Subscription, error) {
	if len(topics) == 0 {
		return nil, domain.ErrNoTopics
	}

	sub := &localSubscription{
		id:     uuid.NewString(),
		topics: append([]string(nil), topics...),
		filter: filter,
		events: make(chan domain.Notification, c.buffer),
		owner:  c,
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	c.logger.Debug("local subscription opened",
		zap.String("subscription_id", sub.id),
		zap.Strings("topics", sub.topics),
		zap.Stringer("filter", filter),
	)
	return sub, nil
}

// Publish delivers n to every matching subscriber without blocking. A subscriber whose buffer is
// full misses the event; it already has a pending change to react to.
func (c *LocalChannel) Publish(_ context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.ReceivedAt = c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subs {
		if !sub.wants(n) {
			continue
		}
		select {
		case sub.events <- n:
		default:
			c.logger.Debug("local subscriber buffer full, event dropped",
				zap.String("subscription_id", sub.id),
				zap.String("topic", n.Topic),
			)
		}
	}
	return nil
}

// SubscriberCount reports how many subscriptions are open.
func (c *LocalChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *LocalChannel) remove(sub *localSubscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	close(sub.events)
	c.mu.Unlock()
}

type localSubscription struct {
	id     string
	topics []string
	filter *domain.EventFilter
	events chan domain.Notification
	owner  *LocalChannel
	once   sync.Once
}

func (s *localSubscription) ID() string                         { return s.id }
func (s *localSubscription) Topics() []string                   { return append([]string(nil), s.topics...) }
func (s *localSubscription) Events() <-chan domain.Notification { return s.events }

func (s *localSubscription) Close() error {
	s.once.Do(func() { s.owner.remove(s) })
	return nil
}

func (s *localSubscription) wants(n domain.Notification) bool {
	for _, topic := range s.topics {
		if topic == n.Topic {
			return s.filter.Matches(n)
		}
	}
	return false
}
