// Command notify announces a record change on the configured notification backend so that live
// portal streams refresh the affected data.
//
//	notify -topic payments -subject stu-1 -kind payment.confirmed
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/infra/app"
	"github.com/arklim/portal-sync/internal/infra/config"
	"github.com/arklim/portal-sync/internal/infra/logger"
	redisinfra "github.com/arklim/portal-sync/internal/infra/redis"
)

func main() {
	topic := flag.String("topic", "", "topic to publish on (payments, registrations, enrollments, announcements, courses)")
	subject := flag.String("subject", "", "subject id the change belongs to; empty for broadcasts")
	kind := flag.String("kind", "changed", "event type")
	timeout := flag.Duration("timeout", 10*time.Second, "publish timeout")
	flag.Parse()

	if *topic == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	var client *red.Client
	if app.BackendName(cfg) == app.BackendRedis {
		rc, err := redisinfra.NewClient(ctx, cfg.Redis, zl)
		if err != nil {
			zl.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = rc.Close() }()
		client = rc.Redis()
	}

	publisher, closePublisher, err := app.NewNotificationPublisher(cfg, client, zl)
	if err != nil {
		zl.Fatal("failed to init publisher", zap.Error(err))
	}
	defer func() {
		if err := closePublisher(); err != nil {
			zl.Warn("failed to close publisher", zap.Error(err))
		}
	}()

	n := domain.Notification{
		ID:    uuid.NewString(),
		Topic: *topic,
		Kind:  *kind,
	}
	if *subject != "" {
		n.Payload = map[string]any{"subject_id": *subject}
	}

	if err := publisher.Publish(ctx, n); err != nil {
		zl.Error("publish failed", zap.String("topic", n.Topic), zap.Error(err))
		os.Exit(1)
	}
	zl.Info("notification published",
		zap.String("backend", app.BackendName(cfg)),
		zap.String("topic", n.Topic),
		zap.String("event_id", n.ID),
		logger.SubjectField(*subject),
	)
}
