package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// DefaultExpiryWarningWindow is how far ahead of access expiry a countdown warning starts.
	DefaultExpiryWarningWindow = 7 * 24 * time.Hour
	// DefaultTermWarningWindow is how far ahead of the term end a warning starts.
	DefaultTermWarningWindow = 14 * 24 * time.Hour
)

// WarningWindows configures the lead time of access warnings.
type WarningWindows struct {
	AccessExpiry time.Duration
	TermEnd      time.Duration
}

// DefaultWarningWindows returns the 7 day expiry and 14 day term-end windows.
func DefaultWarningWindows() WarningWindows {
	return WarningWindows{AccessExpiry: DefaultExpiryWarningWindow, TermEnd: DefaultTermWarningWindow}
}

// AccessWarnings derives human-readable warnings from an evaluated decision using the default windows.
func AccessWarnings(decision AccessDecision, now time.Time) string {
	return DefaultWarningWindows().Warnings(decision, now)
}

// Warnings returns every applicable warning joined by a single space, or "" when none apply.
func (w WarningWindows) Warnings(decision AccessDecision, now time.Time) string {
	if w.AccessExpiry <= 0 {
		w.AccessExpiry = DefaultExpiryWarningWindow
	}
	if w.TermEnd <= 0 {
		w.TermEnd = DefaultTermWarningWindow
	}

	var warnings []string

	if decision.AccessValidUntil != nil {
		remaining := decision.AccessValidUntil.Sub(now)
		switch {
		case remaining <= 0:
			warnings = append(warnings, "Your access has expired.")
		case remaining <= w.AccessExpiry:
			warnings = append(warnings, fmt.Sprintf("Your access expires in %d day(s).", daysCeil(remaining)))
		}
	}

	if decision.TermEndsAt != nil {
		remaining := decision.TermEndsAt.Sub(now)
		if remaining > 0 && remaining <= w.TermEnd {
			warnings = append(warnings, fmt.Sprintf("The current term ends in %d day(s).", daysCeil(remaining)))
		}
	}

	return strings.Join(warnings, " ")
}

func daysCeil(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}
