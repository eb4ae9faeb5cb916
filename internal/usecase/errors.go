package usecase

import "errors"

var (
	// ErrSubjectIDRequired indicates the subject identifier is missing.
	ErrSubjectIDRequired = errors.New("subject id is required")
	// ErrUnknownRole indicates a dashboard was requested for a role that has none.
	ErrUnknownRole = errors.New("unknown dashboard role")
)
