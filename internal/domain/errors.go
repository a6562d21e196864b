package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Handlers map these onto HTTP
// status codes; workers use them to pick retry vs fallback paths.
var (
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrCrypto                 = errors.New("decryption failed")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrDependencyTimeout      = errors.New("dependency timed out")
	ErrDependencyUnavailable  = errors.New("dependency unavailable")
)

// DuplicateError signals an idempotency-key collision. It is not a failure:
// callers surface it as success with is_duplicate=true and the prior id.
type DuplicateError struct {
	PriorID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission (prior id %s)", e.PriorID)
}

// AsDuplicate unwraps a DuplicateError from an error chain.
func AsDuplicate(err error) (*DuplicateError, bool) {
	var d *DuplicateError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
