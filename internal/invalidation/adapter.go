// Package invalidation turns push notifications into debounced refreshes of sync targets. It holds
// no data of its own: a notification only means "something changed, go and look".
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/datasync"
)

// DefaultDebounce is the coalescing window applied per target.
const DefaultDebounce = time.Second

var (
	// ErrAlreadyAttached is returned by Attach while a previous attachment is live.
	ErrAlreadyAttached = errors.New("invalidation: adapter already attached")
	// ErrNoRoutes is returned for a binding without any topic to target mapping.
	ErrNoRoutes = errors.New("invalidation: binding has no routes")
)

// Target is something that can be told to refresh. Targets sharing a key share a debounce window.
type Target interface {
	Key() string
	Refresh(ctx context.Context)
}

type funcTarget struct {
	key string
	fn  func(ctx context.Context)
}

func (t funcTarget) Key() string                 { return t.key }
func (t funcTarget) Refresh(ctx context.Context) { t.fn(ctx) }

// TargetFunc adapts a function into a Target.
func TargetFunc(key string, fn func(ctx context.Context)) Target {
	return funcTarget{key: key, fn: fn}
}

// Route maps events on Topic to a refresh of Target.
type Route struct {
	Topic  string
	Target Target
}

// Binding groups routes that share one subscription and one filter.
type Binding struct {
	Name   string
	Filter *domain.EventFilter
	Routes []Route
}

func (b Binding) topics() []string {
	seen := make(map[string]struct{}, len(b.Routes))
	var out []string
	for _, r := range b.Routes {
		if _, ok := seen[r.Topic]; ok {
			continue
		}
		seen[r.Topic] = struct{}{}
		out = append(out, r.Topic)
	}
	return out
}

func (b Binding) targetsByTopic() map[string][]Target {
	out := make(map[string][]Target)
	for _, r := range b.Routes {
		out[r.Topic] = append(out[r.Topic], r.Target)
	}
	return out
}

// Options configures an Adapter.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
	Metrics  port.InvalidationMetrics
}

// Adapter subscribes to the push channel on behalf of one consumer and refreshes its targets.
type Adapter struct {
	channel  port.NotificationChannel
	debounce time.Duration
	logger   *zap.Logger
	metrics  port.InvalidationMetrics

	mu        sync.Mutex
	attached  bool
	subs      []port.Subscription
	debouncer *datasync.Debouncer
	cancel    context.CancelFunc
	stopWatch func() bool
	pumps     sync.WaitGroup
}

// NewAdapter constructs a detached adapter over channel.
func NewAdapter(channel port.NotificationChannel, opts Options) *Adapter {
	a := &Adapter{
		channel:  channel,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if a.debounce <= 0 {
		a.debounce = DefaultDebounce
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Attach opens one subscription per binding and starts dispatching. The adapter detaches when ctx is
// done. If any subscription fails, those already opened are closed and the error is returned.
func (a *Adapter) Attach(ctx context.Context, bindings ...Binding) error {
	for _, b := range bindings {
		if len(b.Routes) == 0 {
			return fmt.Errorf("%w: %s", ErrNoRoutes, b.Name)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attached {
		return ErrAlreadyAttached
	}

	subs := make([]port.Subscription, 0, len(bindings))
	for _, b := range bindings {
		sub, err := a.channel.Subscribe(ctx, b.topics(), b.Filter)
		if err != nil {
			for _, opened := range subs {
				_ = opened.Close()
			}
			return fmt.Errorf("subscribe %s: %w", b.Name, err)
		}
		subs = append(subs, sub)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.attached = true
	a.subs = subs
	a.cancel = cancel
	a.debouncer = datasync.NewDebouncer(a.debounce)

	for i, sub := range subs {
		a.pumps.Add(1)
		go a.pump(runCtx, bindings[i].Name, sub, bindings[i].targetsByTopic(), a.debouncer)
	}

	a.stopWatch = context.AfterFunc(ctx, a.Detach)

	a.logger.Debug("invalidation adapter attached", zap.Int("subscriptions", len(subs)))
	return nil
}

// Detach closes every subscription, drops pending refreshes and waits for dispatch to stop. Calling
// it when detached is a no-op. It must not be called from inside a Target's Refresh.
func (a *Adapter) Detach() {
	a.mu.Lock()
	if !a.attached {
		a.mu.Unlock()
		return
	}
	a.attached = false
	subs, debouncer, cancel, stopWatch := a.subs, a.debouncer, a.cancel, a.stopWatch
	a.subs, a.debouncer, a.cancel, a.stopWatch = nil, nil, nil, nil
	a.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	cancel()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			a.logger.Warn("failed to close subscription", zap.String("subscription_id", sub.ID()), zap.Error(err))
		}
	}
	a.pumps.Wait()
	debouncer.Close()

	a.logger.Debug("invalidation adapter detached")
}

// Attached reports whether subscriptions are live.
func (a *Adapter) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

func (a *Adapter) pump(ctx context.Context, binding string, sub port.Subscription, targets map[string][]Target, debouncer *datasync.Debouncer) {
	defer a.pumps.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Events():
			if !ok {
				if ctx.Err() == nil {
					a.logger.Warn("notification channel closed",
						zap.String("binding", binding),
						zap.String("subscription_id", sub.ID()),
					)
				}
				return
			}
			a.dispatch(ctx, n, targets[n.Topic], debouncer)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, n domain.Notification, targets []Target, debouncer *datasync.Debouncer) {
	if a.metrics != nil {
		a.metrics.IncNotification(n.Topic)
	}

	for _, target := range targets {
		target := target
		key := target.Key()
		debouncer.Trigger(key, func() {
			if ctx.Err() != nil {
				return
			}
			if a.metrics != nil {
				a.metrics.IncRefresh(key)
			}
			a.logger.Debug("refreshing target", zap.String("target", key), zap.String("topic", n.Topic))
			target.Refresh(ctx)
		})
	}
}
