package domain

import "time"

// Denial reasons surfaced to consumers when access is not granted.
const (
	DenialNotClearedNotRegistered = "Access denied: outstanding fees must be cleared and registration for the current term must be completed."
	DenialNotCleared              = "Access denied: please clear your outstanding fees to continue."
	DenialNotRegistered           = "Access denied: please complete your registration for the current term."
	DenialUnableToVerify          = "Unable to verify access status. Please try again later."
)

// ClearanceFact is the financial clearance state of a subject as reported upstream.
type ClearanceFact struct {
	Cleared          bool
	AccessValidUntil *time.Time
}

// RegistrationFact is the term registration state of a subject as reported upstream.
type RegistrationFact struct {
	Registered bool
	TermID     string
	TermEndsAt *time.Time
}

// AccessFacts are the upstream inputs of the access policy. A nil fact is unknown.
type AccessFacts struct {
	FinanciallyCleared *bool
	TermRegistered     *bool
	AccessValidUntil   *time.Time
	TermEndsAt         *time.Time
}

// NewAccessFacts combines the two upstream lookups into policy inputs.
func NewAccessFacts(clearance ClearanceFact, registration RegistrationFact) AccessFacts {
	cleared := clearance.Cleared
	registered := registration.Registered
	return AccessFacts{
		FinanciallyCleared: &cleared,
		TermRegistered:     &registered,
		AccessValidUntil:   cloneTime(clearance.AccessValidUntil),
		TermEndsAt:         cloneTime(registration.TermEndsAt),
	}
}

// Complete reports whether both upstream facts are known.
func (f AccessFacts) Complete() bool {
	return f.FinanciallyCleared != nil && f.TermRegistered != nil
}

// AccessDecision is always derived from AccessFacts and never mutated in place.
type AccessDecision struct {
	HasAccess          bool       `json:"has_access"`
	FinanciallyCleared bool       `json:"financially_cleared"`
	TermRegistered     bool       `json:"term_registered"`
	AccessValidUntil   *time.Time `json:"access_valid_until,omitempty"`
	TermEndsAt         *time.Time `json:"term_ends_at,omitempty"`
	DenialReason       string     `json:"denial_reason,omitempty"`
	EvaluatedAt        time.Time  `json:"evaluated_at"`
}

// EvaluateAccess applies the conjunction rule: access requires financial clearance AND term registration.
// Unknown facts count as false and yield the unable-to-verify reason.
func EvaluateAccess(facts AccessFacts, now time.Time) AccessDecision {
	cleared := facts.FinanciallyCleared != nil && *facts.FinanciallyCleared
	registered := facts.TermRegistered != nil && *facts.TermRegistered

	decision := AccessDecision{
		HasAccess:          cleared && registered,
		FinanciallyCleared: cleared,
		TermRegistered:     registered,
		AccessValidUntil:   cloneTime(facts.AccessValidUntil),
		TermEndsAt:         cloneTime(facts.TermEndsAt),
		EvaluatedAt:        now.UTC(),
	}

	switch {
	case !facts.Complete():
		decision.HasAccess = false
		decision.DenialReason = DenialUnableToVerify
	case !cleared && !registered:
		decision.DenialReason = DenialNotClearedNotRegistered
	case !cleared:
		decision.DenialReason = DenialNotCleared
	case !registered:
		decision.DenialReason = DenialNotRegistered
	}

	return decision
}

// FailClosed builds the decision used when the upstream facts could not be determined.
// Whatever partial facts are known are still reported, but access is always denied.
func FailClosed(partial AccessFacts, now time.Time) AccessDecision {
	decision := EvaluateAccess(partial, now)
	decision.HasAccess = false
	decision.DenialReason = DenialUnableToVerify
	return decision
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
