package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError is an HTTP-class failure (429, 5xx, network timeout) that
// survived the full retry budget. The engine records it as Failed; it never
// retries beyond the client's own backoff.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a request the remote system rejected outright (4xx other
// than 429, validation failures). Retrying would not help.
type PermanentError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Op, e.StatusCode, e.Message)
}

// LinkTypeMismatchError means every candidate link-type name was rejected by
// the remote instance. Tried carries the names in the order they were
// attempted, for the reconciliation report.
type LinkTypeMismatchError struct {
	SourceKey string
	TargetKey string
	Tried     []string
}

func (e *LinkTypeMismatchError) Error() string {
	return fmt.Sprintf("link %s -> %s: no accepted link type (tried %s)",
		e.SourceKey, e.TargetKey, strings.Join(e.Tried, ", "))
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
