// Package apperr defines the error taxonomy shared by the accounting core.
// Handlers map these onto HTTP status codes and structured reason payloads;
// nothing below the API layer ever returns an opaque error for a business
// rejection.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrValidation = errors.New("mifa: validation failed")
	ErrNotFound   = errors.New("mifa: not found")
	ErrForbidden  = errors.New("mifa: forbidden")
)

// ValidationError reports malformed input before any mutation is attempted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mifa: invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation is shorthand for a *ValidationError.
func Validation(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// RateLimitedError rejects a request that exceeded its tier cap. ResetAt is
// the end of the current window so the client can render a retry hint.
type RateLimitedError struct {
	Tier    string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("mifa: rate limited on tier %s (limit %d), resets at %s",
		e.Tier, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Reason is the single precondition code surfaced on a gate rejection.
type Reason string

const (
	ReasonQuietHours   Reason = "quiet_hours"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonTrialExpired Reason = "trial_expired"
)

// PreconditionError rejects a supervised account's request. Exactly one reason
// is carried per rejection; ResumeAt is set for time-bound reasons.
type PreconditionError struct {
	Reason   Reason
	Detail   string
	ResumeAt *time.Time
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("mifa: precondition %s: %s", e.Reason, e.Detail)
}

// UpstreamError wraps a failed call to the data store, identity service or a
// provider. A ledger mutation wrapped in an UpstreamError must be treated as
// not applied.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mifa: upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err with the failing operation name.
func Upstream(op string, err error) error { return &UpstreamError{Op: op, Err: err} }
