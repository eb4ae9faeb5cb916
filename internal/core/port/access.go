package port

import (
	"context"

	"github.com/arklim/portal-sync/internal/core/domain"
)

// AccessFactsSource reads the two upstream facts the access policy depends on.
type AccessFactsSource interface {
	FinancialClearance(ctx context.Context, subjectID string) (domain.ClearanceFact, error)
	TermRegistration(ctx context.Context, subjectID string) (domain.RegistrationFact, error)
}
