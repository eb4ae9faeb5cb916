package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/infra/logger"
	"github.com/arklim/portal-sync/internal/invalidation"
)

const (
	defaultDashboardCacheTTL  = 5 * time.Minute
	defaultAnnouncementsLimit = 20
)

// DashboardCacheKey namespaces one dashboard resource of one subject in the shared cache.
func DashboardCacheKey(role domain.Role, subjectID, resource string) string {
	return fmt.Sprintf("dashboard:%s:%s:%s", role, subjectID, resource)
}

// SubjectCachePrefixes lists the dashboard cache namespaces holding data for subjectID. Each ends
// with the key separator so neighbouring ids never share a prefix.
func SubjectCachePrefixes(subjectID string) []string {
	roles := []domain.Role{domain.RoleStudent, domain.RoleLecturer, domain.RoleAdmin, domain.RoleAccountant}
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, fmt.Sprintf("dashboard:%s:%s:", role, subjectID))
	}
	return out
}

// PurgeSubject drops every cached entry of subjectID and reports how many were removed.
func PurgeSubject(c *cache.Cache, subjectID string) (int, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, ErrSubjectIDRequired
	}
	removed := 0
	if c.Delete(AccessCacheKey(subjectID)) {
		removed++
	}
	for _, prefix := range SubjectCachePrefixes(subjectID) {
		removed += c.DeletePrefix(prefix)
	}
	return removed, nil
}

// DashboardOptions configures dashboard loading.
type DashboardOptions struct {
	CacheTTL             time.Duration
	MaxConcurrency       int
	AnnouncementsLimit   int
	InvalidationDebounce time.Duration
}

// DashboardService assembles role dashboards from independent resources loaded in parallel.
type DashboardService struct {
	repo    port.DashboardRepository
	cache   *cache.Cache
	retrier *datasync.Retrier
	opts    DashboardOptions
	logger  *zap.Logger

	channel port.NotificationChannel
	metrics port.InvalidationMetrics
}

// NewDashboardService constructs the dashboard service.
func NewDashboardService(repo port.DashboardRepository, c *cache.Cache, retrier *datasync.Retrier, opts DashboardOptions) *DashboardService {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultDashboardCacheTTL
	}
	if opts.AnnouncementsLimit <= 0 {
		opts.AnnouncementsLimit = defaultAnnouncementsLimit
	}
	if opts.InvalidationDebounce <= 0 {
		opts.InvalidationDebounce = defaultInvalidationDebounce
	}
	if retrier == nil {
		retrier = datasync.NewRetrier(datasync.RetryOptions{})
	}
	return &DashboardService{
		repo:    repo,
		cache:   c,
		retrier: retrier,
		opts:    opts,
		logger:  zap.NewNop(),
	}
}

// WithLogger attaches a structured logger to the service for operational diagnostics.
func (s *DashboardService) WithLogger(logger *zap.Logger) *DashboardService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithInvalidation enables push-driven refreshes for watched dashboards.
func (s *DashboardService) WithInvalidation(channel port.NotificationChannel, metrics port.InvalidationMetrics) *DashboardService {
	s.channel = channel
	s.metrics = metrics
	return s
}

// Resources lists the resources shown on the dashboard of role.
func Resources(role domain.Role) ([]string, error) {
	switch role {
	case domain.RoleStudent:
		return []string{domain.ResourceProfile, domain.ResourceEnrollments, domain.ResourceAnnouncements, domain.ResourcePayments}, nil
	case domain.RoleLecturer:
		return []string{domain.ResourceProfile, domain.ResourceCourses, domain.ResourceAnnouncements}, nil
	case domain.RoleAdmin, domain.RoleAccountant:
		return []string{domain.ResourceProfile, domain.ResourceAnnouncements}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

// Group builds the sync group for one subject's dashboard.
func (s *DashboardService) Group(role domain.Role, subjectID string) (*datasync.Group, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ErrSubjectIDRequired
	}
	resources, err := Resources(role)
	if err != nil {
		return nil, err
	}

	sources := make([]datasync.Source, 0, len(resources))
	for _, resource := range resources {
		sources = append(sources, datasync.Source{
			Name:     resource,
			CacheKey: DashboardCacheKey(role, subjectID, resource),
			TTL:      s.opts.CacheTTL,
			Fetch:    s.fetcher(resource, subjectID),
		})
	}

	return datasync.NewGroup(sources, datasync.Deps{Cache: s.cache, Retrier: s.retrier, Logger: s.logger},
		datasync.GroupOptions{MaxConcurrency: s.opts.MaxConcurrency})
}

// Load returns the dashboard cache-first. Failed resources are reported per resource.
func (s *DashboardService) Load(ctx context.Context, role domain.Role, subjectID string) (datasync.Snapshot, error) {
	g, err := s.Group(role, subjectID)
	if err != nil {
		return nil, err
	}
	defer g.Detach()

	snap, err := g.Sync(ctx)
	if err != nil {
		return nil, err
	}
	s.logFailures(ctx, subjectID, snap)
	return snap, nil
}

// Refresh refetches the named resources (all when none are named) and returns the full dashboard.
func (s *DashboardService) Refresh(ctx context.Context, role domain.Role, subjectID string, resources ...string) (datasync.Snapshot, error) {
	g, err := s.Group(role, subjectID)
	if err != nil {
		return nil, err
	}
	defer g.Detach()

	if _, err := g.Refetch(ctx, resources...); err != nil {
		return nil, err
	}
	snap, err := g.Sync(ctx)
	if err != nil {
		return nil, err
	}
	s.logFailures(ctx, subjectID, snap)
	return snap, nil
}

// Bindings routes change notifications to the affected dashboard resources of g. Announcements are
// broadcast to everyone and get an unfiltered binding of their own.
func (s *DashboardService) Bindings(role domain.Role, subjectID string, g *datasync.Group) []invalidation.Binding {
	topicResource := map[string]string{
		domain.TopicEnrollments:   domain.ResourceEnrollments,
		domain.TopicRegistrations: domain.ResourceEnrollments,
		domain.TopicPayments:      domain.ResourcePayments,
		domain.TopicCourses:       domain.ResourceCourses,
	}

	refresh := func(resource string) invalidation.Target {
		return invalidation.TargetFunc(DashboardCacheKey(role, subjectID, resource), func(ctx context.Context) {
			if _, err := g.Refetch(ctx, resource); err != nil && !errors.Is(err, datasync.ErrDetached) {
				s.logger.Warn("dashboard refresh failed", logger.SubjectField(subjectID), zap.String("resource", resource), zap.Error(err))
			}
		})
	}

	scoped := invalidation.Binding{Name: "dashboard:" + string(role), Filter: domain.SubjectFilter(subjectID)}
	for _, topic := range []string{domain.TopicEnrollments, domain.TopicRegistrations, domain.TopicPayments, domain.TopicCourses} {
		resource := topicResource[topic]
		if _, ok := g.Unit(resource); !ok {
			continue
		}
		scoped.Routes = append(scoped.Routes, invalidation.Route{Topic: topic, Target: refresh(resource)})
	}

	var bindings []invalidation.Binding
	if len(scoped.Routes) > 0 {
		bindings = append(bindings, scoped)
	}
	if _, ok := g.Unit(domain.ResourceAnnouncements); ok {
		bindings = append(bindings, invalidation.Binding{
			Name:   "announcements",
			Routes: []invalidation.Route{{Topic: domain.TopicAnnouncements, Target: refresh(domain.ResourceAnnouncements)}},
		})
	}
	return bindings
}

// Watch keeps the dashboard live until ctx is done, calling fn with every snapshot.
func (s *DashboardService) Watch(ctx context.Context, role domain.Role, subjectID string, fn func(datasync.Snapshot)) error {
	g, err := s.Group(role, subjectID)
	if err != nil {
		return err
	}
	g.Attach(ctx)
	defer g.Detach()

	if s.channel != nil {
		adapter := invalidation.NewAdapter(s.channel, invalidation.Options{
			Debounce: s.opts.InvalidationDebounce,
			Logger:   s.logger,
			Metrics:  s.metrics,
		})
		if err := adapter.Attach(ctx, s.Bindings(role, subjectID, g)...); err != nil {
			s.logger.Warn("dashboard invalidation unavailable", logger.SubjectField(subjectID), zap.Error(err))
		} else {
			defer adapter.Detach()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-g.Updates():
			fn(snap)
		}
	}
}

func (s *DashboardService) fetcher(resource, subjectID string) datasync.FetchFunc[any] {
	switch resource {
	case domain.ResourceProfile:
		return func(ctx context.Context) (any, error) { return s.repo.GetProfile(ctx, subjectID) }
	case domain.ResourceEnrollments:
		return func(ctx context.Context) (any, error) { return s.repo.ListEnrollments(ctx, subjectID) }
	case domain.ResourceAnnouncements:
		return func(ctx context.Context) (any, error) { return s.repo.ListAnnouncements(ctx, s.opts.AnnouncementsLimit) }
	case domain.ResourcePayments:
		return func(ctx context.Context) (any, error) { return s.repo.ListPayments(ctx, subjectID) }
	case domain.ResourceCourses:
		return func(ctx context.Context) (any, error) { return s.repo.ListCoursesTaught(ctx, subjectID) }
	default:
		return func(context.Context) (any, error) {
			return nil, fmt.Errorf("%w: %s", datasync.ErrUnknownSource, resource)
		}
	}
}

func (s *DashboardService) logFailures(ctx context.Context, subjectID string, snap datasync.Snapshot) {
	for resource, err := range snap.Errors() {
		logger.With(ctx, s.logger).Warn("dashboard resource unavailable",
			logger.SubjectField(subjectID), zap.String("resource", resource), zap.Error(err))
	}
}
