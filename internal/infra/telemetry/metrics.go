// Package telemetry wires Prometheus collectors and OpenTelemetry tracing for the sync layer.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/portal-sync/internal/core/port"
)

// MetricsOptions configures the sync collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// SyncMetrics records cache, fetch and invalidation activity.
type SyncMetrics struct {
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheEvictions    prometheus.Counter
	CacheEntries      prometheus.Gauge
	FetchAttempts     *prometheus.CounterVec
	FetchFailures     *prometheus.CounterVec
	RetriesExhausted  *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	Notifications     *prometheus.CounterVec
	InvalidationCalls *prometheus.CounterVec
}

// NewSyncMetrics constructs the collectors and registers them. Collectors already registered under
// the same name are reused.
func NewSyncMetrics(opts MetricsOptions) (*SyncMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "portal"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &SyncMetrics{}
	var err error

	if m.CacheHits, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Cache reads served by a live entry.",
	})); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Cache reads that found no live entry.",
	})); err != nil {
		return nil, err
	}
	if m.CacheEvictions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
		Help: "Expired entries removed by the sweeper.",
	})); err != nil {
		return nil, err
	}
	if m.CacheEntries, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "entries",
		Help: "Entries physically stored in the cache.",
	})); err != nil {
		return nil, err
	}

	if m.FetchAttempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "attempts_total",
		Help: "Fetch attempts partitioned by resource.",
	}, []string{"resource"})); err != nil {
		return nil, err
	}
	if m.FetchFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "failures_total",
		Help: "Failed fetch attempts partitioned by resource.",
	}, []string{"resource"})); err != nil {
		return nil, err
	}
	if m.RetriesExhausted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "retries_exhausted_total",
		Help: "Fetches that failed on every attempt, partitioned by resource.",
	}, []string{"resource"})); err != nil {
		return nil, err
	}
	if m.FetchDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
		Help:    "Latency of single fetch attempts in seconds.",
		Buckets: buckets,
	}, []string{"resource"})); err != nil {
		return nil, err
	}

	if m.Notifications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "invalidation", Name: "notifications_total",
		Help: "Push notifications received partitioned by topic.",
	}, []string{"topic"})); err != nil {
		return nil, err
	}
	if m.InvalidationCalls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "invalidation", Name: "refreshes_total",
		Help: "Debounced refreshes run partitioned by target kind.",
	}, []string{"target"})); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return collector, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return collector, nil
}

func (m *SyncMetrics) IncCacheHit()       { m.CacheHits.Inc() }
func (m *SyncMetrics) IncCacheMiss()      { m.CacheMisses.Inc() }
func (m *SyncMetrics) SetEntries(n int)   { m.CacheEntries.Set(float64(n)) }
func (m *SyncMetrics) AddEvictions(n int) { m.CacheEvictions.Add(float64(n)) }

func (m *SyncMetrics) IncFetchAttempt(resource string) {
	m.FetchAttempts.WithLabelValues(resource).Inc()
}

func (m *SyncMetrics) IncFetchFailure(resource string) {
	m.FetchFailures.WithLabelValues(resource).Inc()
}

func (m *SyncMetrics) IncRetriesExhausted(resource string) {
	m.RetriesExhausted.WithLabelValues(resource).Inc()
}

func (m *SyncMetrics) ObserveFetchDuration(resource string, duration time.Duration) {
	m.FetchDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *SyncMetrics) IncNotification(topic string) {
	m.Notifications.WithLabelValues(topic).Inc()
}

// IncRefresh counts a refresh. Targets are keyed per subject, so only the key namespace is used as
// the label.
func (m *SyncMetrics) IncRefresh(target string) {
	m.InvalidationCalls.WithLabelValues(targetKind(target)).Inc()
}

func targetKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

var (
	_ port.CacheMetrics        = (*SyncMetrics)(nil)
	_ port.FetchMetrics        = (*SyncMetrics)(nil)
	_ port.InvalidationMetrics = (*SyncMetrics)(nil)
)
