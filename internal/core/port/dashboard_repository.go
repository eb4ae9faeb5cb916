package port

import (
	"context"

	"github.com/arklim/portal-sync/internal/core/domain"
)

// DashboardRepository exposes the read models rendered on role dashboards.
type DashboardRepository interface {
	GetProfile(ctx context.Context, subjectID string) (*domain.Profile, error)
	ListEnrollments(ctx context.Context, subjectID string) ([]domain.Enrollment, error)
	ListAnnouncements(ctx context.Context, limit int) ([]domain.Announcement, error)
	ListPayments(ctx context.Context, subjectID string) ([]domain.Payment, error)
	ListCoursesTaught(ctx context.Context, lecturerID string) ([]domain.Course, error)
}
