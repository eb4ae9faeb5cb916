package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/core/port"
)

// AccessFactsRepository reads financial clearance and term registration from the portal schema.
// A missing row is a definite "no", not an unknown fact.
type AccessFactsRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAccessFactsRepository constructs the repository from a generic executor.
func NewAccessFactsRepository(exec pgExecutor) *AccessFactsRepository {
	return &AccessFactsRepository{exec: exec, builder: newBuilder()}
}

var _ port.AccessFactsSource = (*AccessFactsRepository)(nil)

// FinancialClearance reports whether the subject has cleared their fees.
func (r *AccessFactsRepository) FinancialClearance(ctx context.Context, subjectID string) (domain.ClearanceFact, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.ClearanceFact{}, fmt.Errorf("subject id is required")
	}

	stmt, args, err := r.builder.
		Select("cleared", "access_valid_until").
		From("portal.financial_clearances").
		Where(squirrel.Eq{"subject_id": subjectID}).
		Limit(1).
		ToSql()
	if err != nil {
		return domain.ClearanceFact{}, fmt.Errorf("build select clearance sql: %w", err)
	}

	var fact domain.ClearanceFact
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&fact.Cleared, &fact.AccessValidUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClearanceFact{Cleared: false}, nil
		}
		return domain.ClearanceFact{}, fmt.Errorf("scan clearance: %w", err)
	}
	return fact, nil
}

// TermRegistration reports whether the subject is registered for the current term.
func (r *AccessFactsRepository) TermRegistration(ctx context.Context, subjectID string) (domain.RegistrationFact, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.RegistrationFact{}, fmt.Errorf("subject id is required")
	}

	stmt, args, err := r.builder.
		Select("r.term_id", "t.ends_at").
		From("portal.term_registrations r").
		Join("portal.terms t ON t.id = r.term_id").
		Where(squirrel.Eq{"r.subject_id": subjectID, "t.is_current": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return domain.RegistrationFact{}, fmt.Errorf("build select registration sql: %w", err)
	}

	var (
		termID string
		endsAt *time.Time
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&termID, &endsAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RegistrationFact{Registered: false}, nil
		}
		return domain.RegistrationFact{}, fmt.Errorf("scan registration: %w", err)
	}
	return domain.RegistrationFact{Registered: true, TermID: termID, TermEndsAt: endsAt}, nil
}
