package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewSyncMetrics(MetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewSyncMetrics returned error: %v", err)
	}

	m.IncCacheHit()
	m.IncCacheHit()
	m.IncCacheMiss()
	m.AddEvictions(3)
	m.SetEntries(7)
	m.IncFetchAttempt("payments")
	m.IncFetchAttempt("payments")
	m.IncFetchFailure("payments")
	m.IncRetriesExhausted("profile")
	m.ObserveFetchDuration("payments", 20*time.Millisecond)
	m.IncNotification("payments")
	m.IncRefresh("dashboard:student:stu-1:payments")
	m.IncRefresh("access:stu-1")

	if got := testutil.ToFloat64(m.CacheHits); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheEvictions); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheEntries); got != 7 {
		t.Fatalf("expected 7 entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchAttempts.WithLabelValues("payments")); got != 2 {
		t.Fatalf("expected 2 attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchFailures.WithLabelValues("payments")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.RetriesExhausted.WithLabelValues("profile")); got != 1 {
		t.Fatalf("expected 1 exhaustion, got %v", got)
	}
	if got := testutil.CollectAndCount(m.FetchDuration); got != 1 {
		t.Fatalf("expected one duration series, got %d", got)
	}
	if got := testutil.ToFloat64(m.InvalidationCalls.WithLabelValues("dashboard")); got != 1 {
		t.Fatalf("expected refresh labelled by kind, got %v", got)
	}
	if got := testutil.ToFloat64(m.InvalidationCalls.WithLabelValues("access")); got != 1 {
		t.Fatalf("expected access refresh, got %v", got)
	}
}

func TestSyncMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSyncMetrics(MetricsOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("first NewSyncMetrics returned error: %v", err)
	}
	second, err := NewSyncMetrics(MetricsOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("second NewSyncMetrics returned error: %v", err)
	}

	first.IncNotification("courses")
	if got := testutil.ToFloat64(second.Notifications.WithLabelValues("courses")); got != 1 {
		t.Fatalf("expected collectors to be shared, got %v", got)
	}
}
