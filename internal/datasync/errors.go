package datasync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks an operation the caller withdrew interest in. It is never retried and never
	// surfaced as a consumer-facing error.
	ErrCancelled = fmt.Errorf("datasync: operation cancelled: %w", context.Canceled)
	// ErrUnknownSource is returned when a group is asked about a resource it was not built with.
	ErrUnknownSource = errors.New("datasync: unknown source")
	// ErrDuplicateSource is returned when two group sources share a name.
	ErrDuplicateSource = errors.New("datasync: duplicate source name")
	// ErrDetached is reported by operations issued after the consumer detached.
	ErrDetached = errors.New("datasync: detached")
)

// IsCancelled classifies err as a cancellation rather than a transient failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ExhaustedRetriesError is returned once every attempt of a fetch has failed. It unwraps to the
// last underlying error.
type ExhaustedRetriesError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Resource, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}
