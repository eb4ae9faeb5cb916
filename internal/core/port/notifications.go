package port

import (
	"context"

	"github.com/arklim/portal-sync/internal/core/domain"
)

// Subscription is a live registration on the push channel. It owns its event stream and must be
// closed exactly once by whoever opened it; Close is safe to call again.
type Subscription interface {
	ID() string
	Topics() []string
	Events() <-chan domain.Notification
	Close() error
}

// NotificationChannel opens subscriptions on the external change feed. Several topics passed to a
// single Subscribe call share one underlying subscription.
type NotificationChannel interface {
	Subscribe(ctx context.Context, topics []string, filter *domain.EventFilter) (Subscription, error)
}

// NotificationPublisher emits change notifications onto the feed.
type NotificationPublisher interface {
	Publish(ctx context.Context, notification domain.Notification) error
}
