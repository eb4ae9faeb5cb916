package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/infra/notify"
)

type stubDashboardRepo struct {
	paymentsErr error

	profileCalls       atomic.Int32
	enrollmentCalls    atomic.Int32
	announcementCalls  atomic.Int32
	paymentCalls       atomic.Int32
	courseCalls        atomic.Int32
	announcementsLimit atomic.Int32
}

func (s *stubDashboardRepo) GetProfile(_ context.Context, subjectID string) (*domain.Profile, error) {
	s.profileCalls.Add(1)
	return &domain.Profile{SubjectID: subjectID, FullName: "Ada Obi", Role: domain.RoleStudent}, nil
}

func (s *stubDashboardRepo) ListEnrollments(_ context.Context, _ string) ([]domain.Enrollment, error) {
	s.enrollmentCalls.Add(1)
	return []domain.Enrollment{{CourseCode: "CSC201", TermID: "2025-1", Units: 3}}, nil
}

func (s *stubDashboardRepo) ListAnnouncements(_ context.Context, limit int) ([]domain.Announcement, error) {
	s.announcementCalls.Add(1)
	s.announcementsLimit.Store(int32(limit))
	return []domain.Announcement{{ID: "ann-1", Title: "Exams"}}, nil
}

func (s *stubDashboardRepo) ListPayments(_ context.Context, _ string) ([]domain.Payment, error) {
	s.paymentCalls.Add(1)
	if s.paymentsErr != nil {
		return nil, s.paymentsErr
	}
	return []domain.Payment{{Reference: "PAY-1", AmountMinor: 150000, Currency: "NGN"}}, nil
}

func (s *stubDashboardRepo) ListCoursesTaught(_ context.Context, _ string) ([]domain.Course, error) {
	s.courseCalls.Add(1)
	return []domain.Course{{Code: "CSC201", Title: "Data Structures"}}, nil
}

func newTestDashboardService(t *testing.T, repo *stubDashboardRepo, opts DashboardOptions) (*DashboardService, *cache.Cache) {
	t.Helper()

	c := cache.New(cache.Options{SweepInterval: time.Hour})
	t.Cleanup(c.Stop)

	logger := zaptest.NewLogger(t)
	retrier := datasync.NewRetrier(datasync.RetryOptions{Attempts: 2, Delay: time.Millisecond}).WithLogger(logger)
	return NewDashboardService(repo, c, retrier, opts).WithLogger(logger), c
}

func TestDashboardLoadIsolatesFailingResource(t *testing.T) {
	repo := &stubDashboardRepo{paymentsErr: errors.New("ledger timeout")}
	svc, _ := newTestDashboardService(t, repo, DashboardOptions{})

	snap, err := svc.Load(context.Background(), domain.RoleStudent, "stu-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	profile, ok := datasync.Value[*domain.Profile](snap, domain.ResourceProfile)
	if !ok || profile.SubjectID != "stu-1" {
		t.Fatalf("expected profile, got %+v ok=%v", profile, ok)
	}
	if _, ok := datasync.Value[[]domain.Enrollment](snap, domain.ResourceEnrollments); !ok {
		t.Fatalf("expected enrollments despite payments failure")
	}
	if _, ok := datasync.Value[[]domain.Announcement](snap, domain.ResourceAnnouncements); !ok {
		t.Fatalf("expected announcements despite payments failure")
	}
	if snap[domain.ResourcePayments].Err == nil || snap[domain.ResourcePayments].HasData {
		t.Fatalf("expected payments to fail alone, got %+v", snap[domain.ResourcePayments])
	}
	if repo.announcementsLimit.Load() != defaultAnnouncementsLimit {
		t.Fatalf("expected default announcements limit, got %d", repo.announcementsLimit.Load())
	}
}

func TestDashboardLecturerResources(t *testing.T) {
	repo := &stubDashboardRepo{}
	svc, _ := newTestDashboardService(t, repo, DashboardOptions{})

	snap, err := svc.Load(context.Background(), domain.RoleLecturer, "lec-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if _, ok := snap[domain.ResourceCourses]; !ok {
		t.Fatalf("expected courses on lecturer dashboard")
	}
	if _, ok := snap[domain.ResourcePayments]; ok {
		t.Fatalf("lecturer dashboard must not load payments")
	}
	if repo.paymentCalls.Load() != 0 || repo.enrollmentCalls.Load() != 0 {
		t.Fatalf("unexpected student queries for lecturer")
	}
}

func TestDashboardUnknownRole(t *testing.T) {
	svc, _ := newTestDashboardService(t, &stubDashboardRepo{}, DashboardOptions{})
	if _, err := svc.Load(context.Background(), domain.Role("janitor"), "x-1"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := svc.Load(context.Background(), domain.RoleStudent, ""); !errors.Is(err, ErrSubjectIDRequired) {
		t.Fatalf("expected ErrSubjectIDRequired, got %v", err)
	}
}

func TestDashboardRefreshSubset(t *testing.T) {
	repo := &stubDashboardRepo{}
	svc, _ := newTestDashboardService(t, repo, DashboardOptions{MaxConcurrency: 2})

	if _, err := svc.Load(context.Background(), domain.RoleStudent, "stu-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap, err := svc.Refresh(context.Background(), domain.RoleStudent, "stu-1", domain.ResourcePayments)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if repo.paymentCalls.Load() != 2 {
		t.Fatalf("expected payments refetched, got %d calls", repo.paymentCalls.Load())
	}
	if repo.profileCalls.Load() != 1 || repo.enrollmentCalls.Load() != 1 || repo.announcementCalls.Load() != 1 {
		t.Fatalf("expected other resources served from cache")
	}
	if len(snap) != 4 || snap.Loading() {
		t.Fatalf("expected a complete settled snapshot, got %v", snap)
	}

	if _, err := svc.Refresh(context.Background(), domain.RoleStudent, "stu-1", "grades"); !errors.Is(err, datasync.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestPurgeSubject(t *testing.T) {
	repo := &stubDashboardRepo{}
	svc, c := newTestDashboardService(t, repo, DashboardOptions{})

	if _, err := svc.Load(context.Background(), domain.RoleStudent, "stu-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := svc.Load(context.Background(), domain.RoleStudent, "stu-2"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_ = c.Set(AccessCacheKey("stu-1"), domain.AccessFacts{}, time.Minute)

	removed, err := PurgeSubject(c, "stu-1")
	if err != nil {
		t.Fatalf("PurgeSubject: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 entries removed, got %d", removed)
	}
	if c.Len() != 4 {
		t.Fatalf("expected other subject untouched, len=%d", c.Len())
	}
}

func TestPurgeSubjectSparesNeighbouringIDs(t *testing.T) {
	repo := &stubDashboardRepo{}
	svc, c := newTestDashboardService(t, repo, DashboardOptions{})

	for _, id := range []string{"stu-1", "stu-10", "stu-123"} {
		if err := c.Set(AccessCacheKey(id), domain.AccessFacts{}, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if _, err := svc.Load(context.Background(), domain.RoleStudent, "stu-10"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	removed, err := PurgeSubject(c, "stu-1")
	if err != nil {
		t.Fatalf("PurgeSubject: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected only the stu-1 access entry removed, got %d", removed)
	}
	for _, id := range []string{"stu-10", "stu-123"} {
		if _, ok := c.Get(AccessCacheKey(id)); !ok {
			t.Fatalf("access entry of %s must survive", id)
		}
	}
	if _, ok := c.Get(DashboardCacheKey(domain.RoleStudent, "stu-10", domain.ResourceProfile)); !ok {
		t.Fatalf("dashboard entries of stu-10 must survive")
	}

	removed, err = PurgeSubject(c, "stu-1")
	if err != nil {
		t.Fatalf("PurgeSubject: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing left to remove, got %d", removed)
	}
}

func TestDashboardBindingsFollowRole(t *testing.T) {
	svc, _ := newTestDashboardService(t, &stubDashboardRepo{}, DashboardOptions{})

	g, err := svc.Group(domain.RoleStudent, "stu-1")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	bindings := svc.Bindings(domain.RoleStudent, "stu-1", g)
	if len(bindings) != 2 {
		t.Fatalf("expected scoped and broadcast bindings, got %d", len(bindings))
	}

	scoped := bindings[0]
	if scoped.Filter == nil || scoped.Filter.Value != "stu-1" {
		t.Fatalf("expected subject filter, got %+v", scoped.Filter)
	}
	for _, route := range scoped.Routes {
		if route.Topic == domain.TopicCourses {
			t.Fatalf("student binding must not route course changes")
		}
	}
	if bindings[1].Filter != nil || bindings[1].Routes[0].Topic != domain.TopicAnnouncements {
		t.Fatalf("expected unfiltered announcements binding, got %+v", bindings[1])
	}
}

func TestDashboardWatchRefreshesOnNotification(t *testing.T) {
	repo := &stubDashboardRepo{}
	svc, _ := newTestDashboardService(t, repo, DashboardOptions{InvalidationDebounce: 10 * time.Millisecond})
	channel := notify.NewLocalChannel(8)
	svc.WithInvalidation(channel, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan datasync.Snapshot, 16)
	go func() {
		_ = svc.Watch(ctx, domain.RoleStudent, "stu-1", func(s datasync.Snapshot) {
			select {
			case snaps <- s:
			default:
			}
		})
	}()

	eventually(t, 2*time.Second, func() bool {
		return repo.announcementCalls.Load() == 1 && channel.SubscriberCount() == 2
	})

	_ = channel.Publish(context.Background(), domain.Notification{Topic: domain.TopicAnnouncements, Kind: "announcement.published"})
	_ = channel.Publish(context.Background(), domain.Notification{Topic: domain.TopicPayments, Payload: map[string]any{"subject_id": "stu-2"}})

	eventually(t, 2*time.Second, func() bool { return repo.announcementCalls.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if repo.paymentCalls.Load() != 1 {
		t.Fatalf("another subject's payment must not refresh this dashboard, got %d calls", repo.paymentCalls.Load())
	}

	select {
	case <-snaps:
	default:
		t.Fatalf("expected snapshots to be delivered")
	}
}
