// Package cache provides the process-wide key/value store with per-entry expiry shared by every
// sync unit. Entries past their expiry are treated as absent on read and physically removed by a
// background sweeper.
package cache

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/port"
)

const (
	// DefaultSweepInterval is how often expired entries are physically removed.
	DefaultSweepInterval = 60 * time.Second
	// DefaultSweepBatch bounds how many deletions happen under a single write lock.
	DefaultSweepBatch = 256
)

// ErrInvalidTTL is returned by Set when the ttl would not put expiry after creation.
var ErrInvalidTTL = errors.New("cache: ttl must be positive")

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.After(now)
}

// Options configures a Cache.
type Options struct {
	SweepInterval time.Duration
	SweepBatch    int
	Clock         func() time.Time
	Metrics       port.CacheMetrics
	Logger        *zap.Logger
}

// Cache is a concurrency-safe TTL map. Construct it explicitly and share it; call Stop and Clear on
// teardown.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	sweepInterval time.Duration
	sweepBatch    int
	now           func() time.Time
	metrics       port.CacheMetrics
	logger        *zap.Logger

	lazyStart atomic.Bool
	lifecycle sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// New constructs an empty cache. The sweeper is not started until the first use or an explicit Start.
func New(opts Options) *Cache {
	c := &Cache{
		entries:       make(map[string]entry),
		sweepInterval: opts.SweepInterval,
		sweepBatch:    opts.SweepBatch,
		now:           opts.Clock,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.sweepBatch <= 0 {
		c.sweepBatch = DefaultSweepBatch
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Get returns the value stored under key if it is present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.ensureStarted()

	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(now) {
		if c.metrics != nil {
			c.metrics.IncCacheMiss()
		}
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.IncCacheHit()
	}
	return e.value, true
}

// GetAs is the typed form of Get. A value of a different type is reported as a miss.
func GetAs[V any](c *Cache, key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	raw, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores value under key, replacing any previous entry, expiring ttl from now.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	c.ensureStarted()

	now := c.now()
	c.mu.Lock()
	c.entries[key] = entry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetEntries(size)
	}
	return nil
}

// Delete removes key immediately regardless of expiry and reports whether an entry was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, present := c.entries[key]
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetEntries(size)
	}
	return present
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (c *Cache) DeletePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}

	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetEntries(size)
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetEntries(0)
	}
}

// Len reports the number of physically stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed. Candidates are collected under
// the read lock and deleted in bounded batches, re-checking expiry so a concurrent Set survives.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.RLock()
	var expired []string
	for key, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for start := 0; start < len(expired); start += c.sweepBatch {
		end := start + c.sweepBatch
		if end > len(expired) {
			end = len(expired)
		}

		c.mu.Lock()
		for _, key := range expired[start:end] {
			if e, ok := c.entries[key]; ok && e.expired(now) {
				delete(c.entries, key)
				removed++
			}
		}
		c.mu.Unlock()
	}

	if c.metrics != nil {
		c.metrics.AddEvictions(removed)
		c.metrics.SetEntries(c.Len())
	}
	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries", zap.Int("removed", removed))
	}
	return removed
}

// Start launches the background sweeper. Calling it again while running is a no-op.
func (c *Cache) Start() {
	c.lazyStart.Store(true)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.sweepLoop(c.stop, c.done)
}

// ensureStarted starts the sweeper on first use only, so an explicit Stop is not undone by later reads.
func (c *Cache) ensureStarted() {
	if c.lazyStart.CompareAndSwap(false, true) {
		c.Start()
	}
}

// Stop halts the sweeper and waits for it to exit. Entries are kept; use Clear to drop them.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	if !c.running {
		c.lifecycle.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.lifecycle.Unlock()

	close(stop)
	<-done
}

// Running reports whether the sweeper is active.
func (c *Cache) Running() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.running
}

func (c *Cache) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}
