package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/repository"
	"github.com/arklim/portal-sync/internal/usecase"
)

type stubFacts struct {
	cleared    bool
	registered bool
}

func (s *stubFacts) FinancialClearance(context.Context, string) (domain.ClearanceFact, error) {
	return domain.ClearanceFact{Cleared: s.cleared}, nil
}

func (s *stubFacts) TermRegistration(context.Context, string) (domain.RegistrationFact, error) {
	return domain.RegistrationFact{Registered: s.registered, TermID: "2025-1"}, nil
}

type stubDashboards struct {
	paymentsErr error
}

func (s *stubDashboards) GetProfile(_ context.Context, subjectID string) (*domain.Profile, error) {
	return &domain.Profile{SubjectID: subjectID, FullName: "Ada Obi", Role: domain.RoleStudent}, nil
}

func (s *stubDashboards) ListEnrollments(context.Context, string) ([]domain.Enrollment, error) {
	return []domain.Enrollment{{CourseCode: "CSC201", TermID: "2025-1", Units: 3}}, nil
}

func (s *stubDashboards) ListAnnouncements(context.Context, int) ([]domain.Announcement, error) {
	return []domain.Announcement{{ID: "ann-1", Title: "Exams"}}, nil
}

func (s *stubDashboards) ListPayments(context.Context, string) ([]domain.Payment, error) {
	if s.paymentsErr != nil {
		return nil, s.paymentsErr
	}
	return []domain.Payment{{Reference: "PAY-1", AmountMinor: 150000, Currency: "NGN"}}, nil
}

func (s *stubDashboards) ListCoursesTaught(context.Context, string) ([]domain.Course, error) {
	return []domain.Course{{Code: "CSC201", Title: "Data Structures"}}, nil
}

type testEnv struct {
	router *gin.Engine
	cache  *cache.Cache
}

func newTestEnv(t *testing.T, facts *stubFacts, dashboards *stubDashboards) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := cache.New(cache.Options{SweepInterval: time.Hour})
	t.Cleanup(c.Stop)

	logger := zaptest.NewLogger(t)
	retrier := datasync.NewRetrier(datasync.RetryOptions{Attempts: 2, Delay: time.Millisecond}).WithLogger(logger)

	access := usecase.NewAccessService(facts, c, retrier, usecase.AccessOptions{}).WithLogger(logger)
	dash := usecase.NewDashboardService(dashboards, c, retrier, usecase.DashboardOptions{}).WithLogger(logger)

	router := gin.New()
	group := router.Group("/subjects/:subject")
	NewAccessHandler(access).WithHeartbeat(50 * time.Millisecond).RegisterRoutes(group)
	NewDashboardHandler(dash).RegisterRoutes(group)
	NewCacheHandler(c).RegisterRoutes(group)

	return testEnv{router: router, cache: c}
}

func (e testEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAccessHandlerGet(t *testing.T) {
	env := newTestEnv(t, &stubFacts{cleared: true, registered: false}, &stubDashboards{})

	rec := env.do(http.MethodGet, "/subjects/stu-1/access")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[AccessResponse](t, rec)
	if resp.SubjectID != "stu-1" {
		t.Fatalf("unexpected subject %q", resp.SubjectID)
	}
	if resp.Decision.HasAccess {
		t.Fatalf("expected access to be denied without registration")
	}
	if resp.Decision.DenialReason != domain.DenialNotRegistered {
		t.Fatalf("unexpected denial reason %q", resp.Decision.DenialReason)
	}
	if _, ok := env.cache.Get(usecase.AccessCacheKey("stu-1")); !ok {
		t.Fatalf("expected access facts to be cached")
	}
}

func TestAccessHandlerRefreshSeesNewFacts(t *testing.T) {
	facts := &stubFacts{cleared: true, registered: false}
	env := newTestEnv(t, facts, &stubDashboards{})

	if rec := env.do(http.MethodGet, "/subjects/stu-1/access"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	facts.registered = true

	cached := decode[AccessResponse](t, env.do(http.MethodGet, "/subjects/stu-1/access"))
	if cached.Decision.HasAccess {
		t.Fatalf("expected cached decision to be served before refresh")
	}

	rec := env.do(http.MethodPost, "/subjects/stu-1/access/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decode[AccessResponse](t, rec); !resp.Decision.HasAccess {
		t.Fatalf("expected refreshed decision to grant access")
	}
}

func TestDashboardHandlerReportsPartialFailure(t *testing.T) {
	env := newTestEnv(t, &stubFacts{}, &stubDashboards{paymentsErr: errors.New("ledger timeout")})

	rec := env.do(http.MethodGet, "/subjects/stu-1/dashboard?role=student")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[DashboardResponse](t, rec)
	if !resp.Partial {
		t.Fatalf("expected partial dashboard")
	}
	if len(resp.Resources) != 4 {
		t.Fatalf("expected 4 student resources, got %d", len(resp.Resources))
	}
	if got := resp.Resources[domain.ResourcePayments].Error; got != "Unable to load payments. Please try again later." {
		t.Fatalf("unexpected payments error %q", got)
	}
	if strings.Contains(rec.Body.String(), "ledger timeout") {
		t.Fatalf("internal error leaked to the client: %s", rec.Body.String())
	}
	for _, name := range []string{domain.ResourceProfile, domain.ResourceEnrollments, domain.ResourceAnnouncements} {
		st := resp.Resources[name]
		if st.Error != "" || st.Data == nil {
			t.Fatalf("expected %s to load, got %+v", name, st)
		}
	}
}

func TestDashboardHandlerLecturerResources(t *testing.T) {
	env := newTestEnv(t, &stubFacts{}, &stubDashboards{})

	resp := decode[DashboardResponse](t, env.do(http.MethodGet, "/subjects/lec-1/dashboard?role=lecturer"))
	if resp.Role != domain.RoleLecturer || resp.Partial {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := resp.Resources[domain.ResourceCourses]; !ok {
		t.Fatalf("expected courses on the lecturer dashboard")
	}
	if _, ok := resp.Resources[domain.ResourcePayments]; ok {
		t.Fatalf("payments must not appear on the lecturer dashboard")
	}
}

func TestDashboardHandlerRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, &stubFacts{}, &stubDashboards{})

	tests := []struct {
		name   string
		method string
		target string
	}{
		{name: "unknown role", method: http.MethodGet, target: "/subjects/stu-1/dashboard?role=janitor"},
		{name: "unknown resource", method: http.MethodPost, target: "/subjects/stu-1/dashboard/refresh?resource=grades"},
		{name: "blank subject", method: http.MethodGet, target: "/subjects/%20/dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.target)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDashboardHandlerRefreshSelectedResource(t *testing.T) {
	repo := &stubDashboards{paymentsErr: errors.New("ledger timeout")}
	env := newTestEnv(t, &stubFacts{}, repo)

	if resp := decode[DashboardResponse](t, env.do(http.MethodGet, "/subjects/stu-1/dashboard")); !resp.Partial {
		t.Fatalf("expected initial load to be partial")
	}

	repo.paymentsErr = nil
	rec := env.do(http.MethodPost, "/subjects/stu-1/dashboard/refresh?resource=payments")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[DashboardResponse](t, rec)
	if resp.Partial {
		t.Fatalf("expected payments to recover after refresh: %+v", resp.Resources)
	}
}

func TestCacheHandlerPurgesSubject(t *testing.T) {
	env := newTestEnv(t, &stubFacts{cleared: true, registered: true}, &stubDashboards{})

	env.do(http.MethodGet, "/subjects/stu-1/access")
	env.do(http.MethodGet, "/subjects/stu-1/dashboard")
	env.do(http.MethodGet, "/subjects/stu-2/access")

	rec := env.do(http.MethodDelete, "/subjects/stu-1/cache")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[CachePurgeResponse](t, rec)
	if resp.Removed != 5 {
		t.Fatalf("expected 5 entries removed, got %d", resp.Removed)
	}
	if _, ok := env.cache.Get(usecase.AccessCacheKey("stu-2")); !ok {
		t.Fatalf("other subjects must keep their entries")
	}
}

func TestRespondWithMappedError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: fmt.Errorf("profile: %w", repository.ErrNotFound), want: http.StatusNotFound},
		{name: "unknown role", err: usecase.ErrUnknownRole, want: http.StatusBadRequest},
		{name: "fallback", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Set("trace_id", "trace-1")

			RespondWithMappedError(c, tt.err, requestErrorCases, http.StatusInternalServerError, "failed")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if resp := decode[ErrorResponse](t, rec); resp.TraceID != "trace-1" {
				t.Fatalf("expected trace id in the body, got %+v", resp)
			}
		})
	}
}

func TestHealthHandlerReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	healthy := func(context.Context) error { return nil }
	failing := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		opts   []HealthOption
		status int
		checks map[string]string
	}{
		{
			name:   "no checks",
			status: http.StatusOK,
			checks: map[string]string{},
		},
		{
			name:   "all healthy",
			opts:   []HealthOption{WithReadinessCheck("database", healthy), WithReadinessCheck("redis", healthy)},
			status: http.StatusOK,
			checks: map[string]string{"database": "ok", "redis": "ok"},
		},
		{
			name:   "redis down",
			opts:   []HealthOption{WithReadinessCheck("database", healthy), WithReadinessCheck("redis", failing)},
			status: http.StatusServiceUnavailable,
			checks: map[string]string{"database": "ok", "redis": "unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			h := NewHealthHandler(tt.opts...)
			router.GET("/readyz", h.Readiness)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			resp := decode[ReadyResponse](t, rec)
			if len(resp.Checks) != len(tt.checks) {
				t.Fatalf("unexpected checks %+v", resp.Checks)
			}
			for name, want := range tt.checks {
				if resp.Checks[name] != want {
					t.Fatalf("check %s: expected %q, got %q", name, want, resp.Checks[name])
				}
			}
		})
	}
}

func TestAccessHandlerStream(t *testing.T) {
	env := newTestEnv(t, &stubFacts{cleared: true, registered: true}, &stubDashboards{})
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/subjects/stu-1/access/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok || event != "access" {
			continue
		}

		var resp AccessResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if resp.SubjectID == "stu-1" && resp.Decision.HasAccess {
			cancel()
			return
		}
	}
	t.Fatalf("stream ended without a granted decision: %v", scanner.Err())
}
