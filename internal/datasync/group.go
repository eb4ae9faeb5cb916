package datasync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source declares one resource of a group.
type Source struct {
	Name     string
	CacheKey string
	TTL      time.Duration
	Fetch    FetchFunc[any]
}

// GroupOptions tunes a Group. MaxConcurrency caps simultaneous fetches; zero means unbounded.
type GroupOptions struct {
	MaxConcurrency int
}

// Snapshot maps each resource name to its state.
type Snapshot map[string]State[any]

// Loading reports whether any resource is still loading.
func (s Snapshot) Loading() bool {
	for _, st := range s {
		if st.Loading {
			return true
		}
	}
	return false
}

// Errors returns the failed resources keyed by name.
func (s Snapshot) Errors() map[string]error {
	out := make(map[string]error)
	for name, st := range s {
		if st.Err != nil {
			out[name] = st.Err
		}
	}
	return out
}

// Value extracts a typed value for name from a snapshot.
func Value[V any](s Snapshot, name string) (V, bool) {
	var zero V
	st, ok := s[name]
	if !ok || !st.HasData {
		return zero, false
	}
	v, ok := st.Data.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Group syncs several independent resources for one consumer. Every source runs through its own
// unit, so one failing resource never blocks or clears the others.
type Group struct {
	order          []string
	units          map[string]*Unit[any]
	maxConcurrency int
	updates        chan Snapshot
	publishMu      sync.Mutex
}

// NewGroup builds a group over sources. Names must be unique and non-empty.
func NewGroup(sources []Source, deps Deps, opts GroupOptions) (*Group, error) {
	g := &Group{
		units:          make(map[string]*Unit[any], len(sources)),
		maxConcurrency: opts.MaxConcurrency,
		updates:        make(chan Snapshot, 1),
	}

	for _, src := range sources {
		if src.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrUnknownSource)
		}
		if _, exists := g.units[src.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name)
		}
		u := NewUnit(UnitConfig[any]{
			Name:     src.Name,
			CacheKey: src.CacheKey,
			TTL:      src.TTL,
			Fetch:    src.Fetch,
		}, deps)
		u.setObserver(g.publish)
		g.units[src.Name] = u
		g.order = append(g.order, src.Name)
	}
	return g, nil
}

// Names lists the resources in declaration order.
func (g *Group) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Unit returns the unit behind name.
func (g *Group) Unit(name string) (*Unit[any], bool) {
	u, ok := g.units[name]
	return u, ok
}

// Attach starts a cache-first sync of every resource tied to ctx.
func (g *Group) Attach(ctx context.Context) {
	for _, name := range g.order {
		g.units[name].Attach(ctx)
	}
}

// Detach stops every resource.
func (g *Group) Detach() {
	for _, name := range g.order {
		g.units[name].Detach()
	}
}

// Sync brings the named resources (all when none are named) up to date cache-first and waits for them.
// It fails with ErrDetached once the group has been detached.
func (g *Group) Sync(ctx context.Context, names ...string) (Snapshot, error) {
	return g.each(ctx, names, func(ctx context.Context, u *Unit[any]) { u.Sync(ctx) })
}

// Refetch bypasses the cache for the named resources (all when none are named).
func (g *Group) Refetch(ctx context.Context, names ...string) (Snapshot, error) {
	return g.each(ctx, names, func(ctx context.Context, u *Unit[any]) { u.Refetch(ctx) })
}

// ClearCache drops the cache entries of the named resources (all when none are named).
func (g *Group) ClearCache(names ...string) error {
	units, err := g.pick(names)
	if err != nil {
		return err
	}
	for _, u := range units {
		u.ClearCache()
	}
	return nil
}

// Snapshot returns the current state of every resource.
func (g *Group) Snapshot() Snapshot {
	out := make(Snapshot, len(g.units))
	for name, u := range g.units {
		out[name] = u.State()
	}
	return out
}

// Updates delivers the latest snapshot after any resource changes. Only the newest snapshot is kept.
func (g *Group) Updates() <-chan Snapshot {
	return g.updates
}

func (g *Group) each(ctx context.Context, names []string, fn func(context.Context, *Unit[any])) (Snapshot, error) {
	units, err := g.pick(names)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if u.Detached() {
			return nil, fmt.Errorf("%w: %s", ErrDetached, u.Name())
		}
	}

	var eg errgroup.Group
	if g.maxConcurrency > 0 {
		eg.SetLimit(g.maxConcurrency)
	}
	for _, u := range units {
		u := u
		eg.Go(func() error {
			fn(ctx, u)
			return nil
		})
	}
	_ = eg.Wait()

	return g.Snapshot(), nil
}

func (g *Group) pick(names []string) ([]*Unit[any], error) {
	if len(names) == 0 {
		names = g.order
	}
	out := make([]*Unit[any], 0, len(names))
	for _, name := range names {
		u, ok := g.units[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
		out = append(out, u)
	}
	return out, nil
}

// publish snapshots under publishMu so a snapshot taken later is never replaced by an older one.
func (g *Group) publish() {
	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	snap := g.Snapshot()
	select {
	case <-g.updates:
	default:
	}
	select {
	case g.updates <- snap:
	default:
	}
}
