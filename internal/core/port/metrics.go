package port

import "time"

// CacheMetrics captures telemetry hooks for the in-process TTL cache.
type CacheMetrics interface {
	IncCacheHit()
	IncCacheMiss()
	AddEvictions(n int)
	SetEntries(n int)
}

// FetchMetrics captures telemetry hooks for retrying fetches, labelled by logical resource name.
type FetchMetrics interface {
	IncFetchAttempt(resource string)
	IncFetchFailure(resource string)
	IncRetriesExhausted(resource string)
	ObserveFetchDuration(resource string, duration time.Duration)
}

// InvalidationMetrics captures telemetry hooks for push-driven refreshes.
type InvalidationMetrics interface {
	IncNotification(topic string)
	IncRefresh(target string)
}
