package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/portal-sync/internal/core/domain"
)

func TestLocalChannelDeliversMatchingEvents(t *testing.T) {
	ch := NewLocalChannel(4)
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, []string{domain.TopicPayments, domain.TopicRegistrations}, domain.SubjectFilter("stu-1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	_ = ch.Publish(ctx, domain.Notification{Topic: domain.TopicPayments, Payload: map[string]any{"subject_id": "stu-2"}})
	_ = ch.Publish(ctx, domain.Notification{Topic: domain.TopicCourses, Payload: map[string]any{"subject_id": "stu-1"}})
	_ = ch.Publish(ctx, domain.Notification{Topic: domain.TopicRegistrations, Kind: "registration.created", Payload: map[string]any{"subject_id": "stu-1"}})

	select {
	case n := <-sub.Events():
		if n.Topic != domain.TopicRegistrations || n.ID == "" || n.ReceivedAt.IsZero() {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching notification")
	}

	select {
	case n := <-sub.Events():
		t.Fatalf("unexpected extra notification: %+v", n)
	default:
	}
}

func TestLocalChannelCloseIsIdempotent(t *testing.T) {
	ch := NewLocalChannel(1)
	sub, err := ch.Subscribe(context.Background(), []string{domain.TopicAnnouncements}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ch.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.SubscriberCount() != 0 {
		t.Fatalf("expected subscription released")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected events channel closed")
	}

	// Publishing after close must not panic.
	_ = ch.Publish(context.Background(), domain.Notification{Topic: domain.TopicAnnouncements})
}

func TestLocalChannelDropsWhenBufferFull(t *testing.T) {
	ch := NewLocalChannel(1)
	sub, _ := ch.Subscribe(context.Background(), []string{domain.TopicCourses}, nil)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		_ = ch.Publish(context.Background(), domain.Notification{Topic: domain.TopicCourses})
	}
	if len(sub.Events()) != 1 {
		t.Fatalf("expected buffer to hold a single event, got %d", len(sub.Events()))
	}
}

func TestLocalChannelRequiresTopics(t *testing.T) {
	ch := NewLocalChannel(0)
	if _, err := ch.Subscribe(context.Background(), nil, nil); !errors.Is(err, domain.ErrNoTopics) {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}
