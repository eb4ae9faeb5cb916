package app

import (
	"errors"
	"fmt"
	"strings"

	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/infra/config"
	kafkainfra "github.com/arklim/portal-sync/internal/infra/kafka"
	"github.com/arklim/portal-sync/internal/infra/notify"
	redisinfra "github.com/arklim/portal-sync/internal/infra/redis"
)

// Notification backends selectable through notifications.backend.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

const localChannelBuffer = 16

var (
	// ErrUnknownBackend is returned for an unsupported notifications.backend value.
	ErrUnknownBackend = errors.New("app: unknown notification backend")
	// ErrLocalPublish is returned when publishing is requested on the in-process backend from
	// outside the API process.
	ErrLocalPublish = errors.New("app: the local backend cannot publish across processes")
)

// BackendName returns the normalised notifications.backend value, defaulting to redis.
func BackendName(cfg *config.AppConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Notifications.Backend))
	if name == "" {
		return BackendRedis
	}
	return name
}

// NewNotificationChannel builds the push channel consumed by the invalidation adapters.
func NewNotificationChannel(cfg *config.AppConfig, client *red.Client, log *zap.Logger) (port.NotificationChannel, error) {
	switch backend := BackendName(cfg); backend {
	case BackendLocal:
		return notify.NewLocalChannel(localChannelBuffer).WithLogger(log), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("%s backend: redis client is required", backend)
		}
		return redisinfra.NewNotificationChannel(client, cfg.Redis.ChannelPrefix).WithLogger(log), nil
	case BackendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("%s backend: no brokers configured", backend)
		}
		return kafkainfra.NewNotificationChannel(cfg.Kafka).WithLogger(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// NewNotificationPublisher builds the publisher used to announce record changes. The returned close
// function releases any producer it opened.
func NewNotificationPublisher(cfg *config.AppConfig, client *red.Client, log *zap.Logger) (port.NotificationPublisher, func() error, error) {
	noop := func() error { return nil }

	switch backend := BackendName(cfg); backend {
	case BackendLocal:
		return nil, noop, ErrLocalPublish
	case BackendRedis:
		if client == nil {
			return nil, noop, fmt.Errorf("%s backend: redis client is required", backend)
		}
		return redisinfra.NewNotificationChannel(client, cfg.Redis.ChannelPrefix).WithLogger(log), noop, nil
	case BackendKafka:
		producer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			return nil, noop, fmt.Errorf("init kafka producer: %w", err)
		}
		return kafkainfra.NewNotificationPublisher(producer, cfg.App, log), producer.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
