package datasync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/cache"
)

// State is the consumer-visible view of one resource. At most one of Data (HasData) and Err is set.
// Data is kept while a refetch is loading so consumers do not flicker.
type State[V any] struct {
	Data    V
	HasData bool
	Loading bool
	Err     error
}

// Ready reports whether the state holds settled data.
func (s State[V]) Ready() bool {
	return s.HasData && !s.Loading && s.Err == nil
}

// Deps are the shared collaborators every unit needs.
type Deps struct {
	Cache   *cache.Cache
	Retrier *Retrier
	Logger  *zap.Logger
}

// UnitConfig describes one resource. An empty CacheKey disables caching for the resource.
type UnitConfig[V any] struct {
	Name     string
	CacheKey string
	TTL      time.Duration
	Fetch    FetchFunc[V]
}

// Unit keeps one resource in sync for one consumer: cache first, otherwise fetch with retry, with at
// most one fetch in flight. Starting a new fetch cancels the previous one and a superseded result is
// never applied.
type Unit[V any] struct {
	name     string
	cacheKey string
	ttl      time.Duration
	fetch    FetchFunc[V]
	cache    *cache.Cache
	retrier  *Retrier
	logger   *zap.Logger

	mu        sync.Mutex
	state     State[V]
	seq       uint64
	cancel    context.CancelFunc
	inflight  chan struct{}
	attached  bool
	detached  bool
	parent    context.Context
	stopAll   context.CancelFunc
	stopWatch func() bool
	updates   chan State[V]
	observer  func()
}

// NewUnit constructs an idle unit. Nothing is fetched until Attach, Sync or Refetch.
func NewUnit[V any](cfg UnitConfig[V], deps Deps) *Unit[V] {
	u := &Unit[V]{
		name:     cfg.Name,
		cacheKey: cfg.CacheKey,
		ttl:      cfg.TTL,
		fetch:    cfg.Fetch,
		cache:    deps.Cache,
		retrier:  deps.Retrier,
		logger:   deps.Logger,
		updates:  make(chan State[V], 1),
	}
	if u.retrier == nil {
		u.retrier = NewRetrier(RetryOptions{})
	}
	if u.logger == nil {
		u.logger = zap.NewNop()
	}
	u.parent, u.stopAll = context.WithCancel(context.Background())
	return u
}

// Name returns the resource name.
func (u *Unit[V]) Name() string { return u.name }

// CacheKey returns the cache key, empty when the resource is uncached.
func (u *Unit[V]) CacheKey() string { return u.cacheKey }

// State returns the current snapshot.
func (u *Unit[V]) State() State[V] {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Updates delivers the latest state after every transition. The channel holds one value; a slow
// reader only ever sees the most recent state.
func (u *Unit[V]) Updates() <-chan State[V] {
	return u.updates
}

// Attach ties the unit to a consumer whose lifetime is ctx and starts a cache-first sync. When ctx
// is done the unit detaches. Attaching twice is a no-op.
func (u *Unit[V]) Attach(ctx context.Context) {
	u.mu.Lock()
	if u.attached || u.detached {
		u.mu.Unlock()
		return
	}
	u.attached = true
	u.stopWatch = context.AfterFunc(ctx, u.Detach)
	u.mu.Unlock()

	u.run(false)
}

// Detach cancels any in-flight fetch and stops all further state changes. It is idempotent.
func (u *Unit[V]) Detach() {
	u.mu.Lock()
	if u.detached {
		u.mu.Unlock()
		return
	}
	u.detached = true
	u.seq++
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	if u.inflight != nil {
		close(u.inflight)
		u.inflight = nil
	}
	u.state.Loading = false
	stopWatch := u.stopWatch
	u.mu.Unlock()

	u.stopAll()
	if stopWatch != nil {
		stopWatch()
	}
}

// Detached reports whether Detach has run.
func (u *Unit[V]) Detached() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.detached
}

// Sync serves the resource from cache when a live entry exists, otherwise fetches it. It waits for
// the outcome or for ctx, and returns the state at that point.
func (u *Unit[V]) Sync(ctx context.Context) State[V] {
	return u.wait(ctx, u.run(false))
}

// Refetch bypasses the cache and fetches the resource.
func (u *Unit[V]) Refetch(ctx context.Context) State[V] {
	return u.wait(ctx, u.run(true))
}

// ClearCache drops this resource's cache entry. Current state is untouched.
func (u *Unit[V]) ClearCache() {
	if u.cacheKey == "" || u.cache == nil {
		return
	}
	u.cache.Delete(u.cacheKey)
}

func (u *Unit[V]) wait(ctx context.Context, done <-chan struct{}) State[V] {
	select {
	case <-done:
	case <-ctx.Done():
	}
	return u.State()
}

// run starts a sync cycle and returns a channel closed once the cycle is settled or superseded.
func (u *Unit[V]) run(force bool) <-chan struct{} {
	done := make(chan struct{})

	u.mu.Lock()
	if u.detached {
		u.mu.Unlock()
		close(done)
		return done
	}

	u.seq++
	seq := u.seq
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	if u.inflight != nil {
		close(u.inflight)
		u.inflight = nil
	}

	if !force && u.cacheKey != "" && u.cache != nil {
		if v, ok := cache.GetAs[V](u.cache, u.cacheKey); ok {
			u.state = State[V]{Data: v, HasData: true}
			u.publishLocked()
			observer := u.observer
			u.mu.Unlock()

			close(done)
			notify(observer)
			return done
		}
	}

	ctx, cancel := context.WithCancel(u.parent)
	u.cancel = cancel
	u.inflight = done
	u.state.Loading = true
	u.state.Err = nil
	u.publishLocked()
	observer := u.observer
	u.mu.Unlock()

	notify(observer)

	go func() {
		v, err := Retry(ctx, u.retrier, u.name, u.fetch)
		u.apply(seq, v, err)
	}()
	return done
}

func (u *Unit[V]) apply(seq uint64, v V, err error) {
	u.mu.Lock()
	if seq != u.seq || u.detached {
		u.mu.Unlock()
		return
	}

	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}

	switch {
	case err != nil && IsCancelled(err):
		u.state.Loading = false
	case err != nil:
		u.logger.Warn("resource sync failed", zap.String("resource", u.name), zap.Error(err))
		u.state = State[V]{Err: err}
	default:
		if u.cacheKey != "" && u.cache != nil {
			if setErr := u.cache.Set(u.cacheKey, v, u.ttl); setErr != nil {
				u.logger.Warn("resource not cached", zap.String("resource", u.name), zap.Error(setErr))
			}
		}
		u.state = State[V]{Data: v, HasData: true}
	}

	u.publishLocked()
	if u.inflight != nil {
		close(u.inflight)
		u.inflight = nil
	}
	observer := u.observer
	u.mu.Unlock()

	notify(observer)
}

func (u *Unit[V]) publishLocked() {
	select {
	case <-u.updates:
	default:
	}
	select {
	case u.updates <- u.state:
	default:
	}
}

func (u *Unit[V]) setObserver(fn func()) {
	u.mu.Lock()
	u.observer = fn
	u.mu.Unlock()
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
