package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/repository"
)

// DashboardRepository serves the read models of role dashboards.
type DashboardRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewDashboardRepository constructs the repository from a generic executor.
func NewDashboardRepository(exec pgExecutor) *DashboardRepository {
	return &DashboardRepository{exec: exec, builder: newBuilder()}
}

var _ port.DashboardRepository = (*DashboardRepository)(nil)

// GetProfile loads the subject's profile card.
func (r *DashboardRepository) GetProfile(ctx context.Context, subjectID string) (*domain.Profile, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	stmt, args, err := r.builder.
		Select("subject_id", "full_name", "email", "department", "role").
		From("portal.subjects").
		Where(squirrel.Eq{"subject_id": subjectID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select profile sql: %w", err)
	}

	var (
		profile    domain.Profile
		department *string
		role       string
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&profile.SubjectID, &profile.FullName, &profile.Email, &department, &role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if department != nil {
		profile.Department = *department
	}
	profile.Role = domain.Role(role)

	return &profile, nil
}

// ListEnrollments returns the subject's course enrollments, newest first.
func (r *DashboardRepository) ListEnrollments(ctx context.Context, subjectID string) ([]domain.Enrollment, error) {
	stmt, args, err := r.builder.
		Select("e.course_code", "c.title", "e.term_id", "c.units", "e.enrolled_at").
		From("portal.enrollments e").
		Join("portal.courses c ON c.code = e.course_code").
		Where(squirrel.Eq{"e.subject_id": subjectID}).
		OrderBy("e.enrolled_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select enrollments sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		if err := rows.Scan(&e.CourseCode, &e.CourseTitle, &e.TermID, &e.Units, &e.EnrolledAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

// ListAnnouncements returns the most recent announcements.
func (r *DashboardRepository) ListAnnouncements(ctx context.Context, limit int) ([]domain.Announcement, error) {
	query := r.builder.
		Select("id", "title", "body", "published_at").
		From("portal.announcements").
		OrderBy("published_at DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select announcements sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query announcements: %w", err)
	}
	defer rows.Close()

	var out []domain.Announcement
	for rows.Next() {
		var a domain.Announcement
		if err := rows.Scan(&a.ID, &a.Title, &a.Body, &a.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate announcements: %w", err)
	}
	return out, nil
}

// ListPayments returns the subject's recorded payments, newest first.
func (r *DashboardRepository) ListPayments(ctx context.Context, subjectID string) ([]domain.Payment, error) {
	stmt, args, err := r.builder.
		Select("reference", "amount_minor", "currency", "status", "paid_at").
		From("portal.payments").
		Where(squirrel.Eq{"subject_id": subjectID}).
		OrderBy("paid_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select payments sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.Reference, &p.AmountMinor, &p.Currency, &p.Status, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return out, nil
}

// ListCoursesTaught returns the course offerings of a lecturer with their enrolment counts.
func (r *DashboardRepository) ListCoursesTaught(ctx context.Context, lecturerID string) ([]domain.Course, error) {
	stmt, args, err := r.builder.
		Select("c.code", "c.title", "o.term_id", "COUNT(e.subject_id)").
		From("portal.course_offerings o").
		Join("portal.courses c ON c.code = o.course_code").
		LeftJoin("portal.enrollments e ON e.course_code = o.course_code AND e.term_id = o.term_id").
		Where(squirrel.Eq{"o.lecturer_id": lecturerID}).
		GroupBy("c.code", "c.title", "o.term_id").
		OrderBy("c.code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select courses sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query courses: %w", err)
	}
	defer rows.Close()

	var out []domain.Course
	for rows.Next() {
		var c domain.Course
		if err := rows.Scan(&c.Code, &c.Title, &c.TermID, &c.EnrolledCount); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate courses: %w", err)
	}
	return out, nil
}
