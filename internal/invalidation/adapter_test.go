package invalidation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/infra/notify"
)

type recordingChannel struct {
	inner *notify.LocalChannel

	mu       sync.Mutex
	requests [][]string
	failOn   int
	opened   []port.Subscription
}

func (c *recordingChannel) Subscribe(ctx context.Context, topics []string, filter *domain.EventFilter) (port.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, topics)
	if c.failOn > 0 && len(c.requests) == c.failOn {
		return nil, errors.New("broker unavailable")
	}
	sub, err := c.inner.Subscribe(ctx, topics, filter)
	if err == nil {
		c.opened = append(c.opened, sub)
	}
	return sub, err
}

type stubInvalidationMetrics struct {
	notifications atomic.Int32
	refreshes     atomic.Int32
}

func (s *stubInvalidationMetrics) IncNotification(string) { s.notifications.Add(1) }
func (s *stubInvalidationMetrics) IncRefresh(string)      { s.refreshes.Add(1) }

type countingTarget struct {
	key   string
	count atomic.Int32
}

func (t *countingTarget) Key() string             { return t.key }
func (t *countingTarget) Refresh(context.Context) { t.count.Add(1) }

func newTestAdapter(t *testing.T, debounce time.Duration) (*Adapter, *notify.LocalChannel, *recordingChannel, *stubInvalidationMetrics) {
	t.Helper()

	local := notify.NewLocalChannel(32)
	rec := &recordingChannel{inner: local}
	metrics := &stubInvalidationMetrics{}
	a := NewAdapter(rec, Options{Debounce: debounce, Logger: zaptest.NewLogger(t), Metrics: metrics})
	t.Cleanup(a.Detach)
	return a, local, rec, metrics
}

func publish(t *testing.T, ch *notify.LocalChannel, topic, subject string) {
	t.Helper()
	if err := ch.Publish(context.Background(), domain.Notification{
		Topic:   topic,
		Payload: map[string]any{"subject_id": subject},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestAdapterMergesBindingTopicsIntoOneSubscription(t *testing.T) {
	a, local, rec, _ := newTestAdapter(t, 20*time.Millisecond)
	access := &countingTarget{key: "access:stu-1"}

	err := a.Attach(context.Background(), Binding{
		Name:   "access",
		Filter: domain.SubjectFilter("stu-1"),
		Routes: []Route{
			{Topic: domain.TopicPayments, Target: access},
			{Topic: domain.TopicRegistrations, Target: access},
		},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if local.SubscriberCount() != 1 {
		t.Fatalf("expected a single subscription, got %d", local.SubscriberCount())
	}
	if len(rec.requests) != 1 || len(rec.requests[0]) != 2 {
		t.Fatalf("expected both topics on one subscribe call, got %v", rec.requests)
	}
}

func TestAdapterDispatchesByTopic(t *testing.T) {
	a, local, _, metrics := newTestAdapter(t, 20*time.Millisecond)
	payments := &countingTarget{key: "dashboard:payments"}
	courses := &countingTarget{key: "dashboard:courses"}

	err := a.Attach(context.Background(), Binding{
		Name:   "dashboard",
		Filter: domain.SubjectFilter("stu-1"),
		Routes: []Route{
			{Topic: domain.TopicPayments, Target: payments},
			{Topic: domain.TopicCourses, Target: courses},
		},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	publish(t, local, domain.TopicPayments, "stu-1")
	publish(t, local, domain.TopicCourses, "stu-2")

	time.Sleep(150 * time.Millisecond)

	if payments.count.Load() != 1 {
		t.Fatalf("expected payments refreshed once, got %d", payments.count.Load())
	}
	if courses.count.Load() != 0 {
		t.Fatalf("expected filtered event to be ignored, got %d", courses.count.Load())
	}
	if metrics.notifications.Load() != 1 || metrics.refreshes.Load() != 1 {
		t.Fatalf("unexpected metrics: notifications=%d refreshes=%d", metrics.notifications.Load(), metrics.refreshes.Load())
	}
}

func TestAdapterDebouncesBursts(t *testing.T) {
	a, local, _, _ := newTestAdapter(t, 300*time.Millisecond)
	target := &countingTarget{key: "access:stu-1"}

	err := a.Attach(context.Background(), Binding{
		Name:   "access",
		Filter: domain.SubjectFilter("stu-1"),
		Routes: []Route{
			{Topic: domain.TopicPayments, Target: target},
			{Topic: domain.TopicRegistrations, Target: target},
		},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for i := 0; i < 5; i++ {
		topic := domain.TopicPayments
		if i%2 == 1 {
			topic = domain.TopicRegistrations
		}
		publish(t, local, topic, "stu-1")
		time.Sleep(40 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	if target.count.Load() != 1 {
		t.Fatalf("expected a single refresh for the burst, got %d", target.count.Load())
	}
}

func TestAdapterDetachReleasesEverything(t *testing.T) {
	a, local, _, _ := newTestAdapter(t, 50*time.Millisecond)
	target := &countingTarget{key: "announcements"}

	if err := a.Attach(context.Background(), Binding{
		Name:   "announcements",
		Routes: []Route{{Topic: domain.TopicAnnouncements, Target: target}},
	}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// A refresh pending at detach time never runs.
	publish(t, local, domain.TopicAnnouncements, "")
	time.Sleep(10 * time.Millisecond)

	a.Detach()
	a.Detach()

	if a.Attached() {
		t.Fatalf("expected adapter detached")
	}
	if local.SubscriberCount() != 0 {
		t.Fatalf("expected subscriptions closed, %d remain", local.SubscriberCount())
	}

	publish(t, local, domain.TopicAnnouncements, "")
	time.Sleep(120 * time.Millisecond)
	if target.count.Load() != 0 {
		t.Fatalf("expected no refresh after detach, got %d", target.count.Load())
	}
}

func TestAdapterReattachStartsClean(t *testing.T) {
	a, local, _, _ := newTestAdapter(t, 10*time.Millisecond)
	target := &countingTarget{key: "courses"}
	binding := Binding{Name: "courses", Routes: []Route{{Topic: domain.TopicCourses, Target: target}}}

	if err := a.Attach(context.Background(), binding); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := a.Attach(context.Background(), binding); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}

	a.Detach()
	if err := a.Attach(context.Background(), binding); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if local.SubscriberCount() != 1 {
		t.Fatalf("expected exactly one live subscription, got %d", local.SubscriberCount())
	}

	publish(t, local, domain.TopicCourses, "")
	time.Sleep(100 * time.Millisecond)
	if target.count.Load() != 1 {
		t.Fatalf("expected refresh after re-attach, got %d", target.count.Load())
	}
}

func TestAdapterAttachFailureClosesOpenedSubscriptions(t *testing.T) {
	a, local, rec, _ := newTestAdapter(t, 10*time.Millisecond)
	rec.failOn = 2

	err := a.Attach(context.Background(),
		Binding{Name: "first", Routes: []Route{{Topic: domain.TopicPayments, Target: TargetFunc("a", func(context.Context) {})}}},
		Binding{Name: "second", Routes: []Route{{Topic: domain.TopicCourses, Target: TargetFunc("b", func(context.Context) {})}}},
	)
	if err == nil {
		t.Fatalf("expected subscribe failure")
	}
	if a.Attached() {
		t.Fatalf("expected adapter to stay detached")
	}
	if local.SubscriberCount() != 0 {
		t.Fatalf("expected opened subscription to be closed, %d remain", local.SubscriberCount())
	}
}

func TestAdapterDetachesWhenContextDone(t *testing.T) {
	a, local, _, _ := newTestAdapter(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.Attach(ctx, Binding{Name: "courses", Routes: []Route{{Topic: domain.TopicCourses, Target: TargetFunc("c", func(context.Context) {})}}}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for a.Attached() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Attached() || local.SubscriberCount() != 0 {
		t.Fatalf("expected detach on context cancellation")
	}
}

func TestAdapterRejectsBindingWithoutRoutes(t *testing.T) {
	a, _, _, _ := newTestAdapter(t, 10*time.Millisecond)
	if err := a.Attach(context.Background(), Binding{Name: "empty"}); !errors.Is(err, ErrNoRoutes) {
		t.Fatalf("expected ErrNoRoutes, got %v", err)
	}
}

func TestAdapterSurvivesChannelClosure(t *testing.T) {
	a, local, rec, _ := newTestAdapter(t, 10*time.Millisecond)
	survivor := &countingTarget{key: "survivor"}

	if err := a.Attach(context.Background(),
		Binding{Name: "doomed", Routes: []Route{{Topic: domain.TopicPayments, Target: TargetFunc("doomed", func(context.Context) {})}}},
		Binding{Name: "survivor", Routes: []Route{{Topic: domain.TopicCourses, Target: survivor}}},
	); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Simulate the broker dropping one subscription underneath the adapter.
	rec.mu.Lock()
	_ = rec.opened[0].Close()
	rec.mu.Unlock()

	publish(t, local, domain.TopicCourses, "")
	time.Sleep(80 * time.Millisecond)

	if survivor.count.Load() != 1 {
		t.Fatalf("expected remaining binding to keep dispatching, got %d", survivor.count.Load())
	}
	if !a.Attached() {
		t.Fatalf("expected adapter to stay attached")
	}
}
