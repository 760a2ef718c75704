/*
Package referral error types.

PURPOSE:
  Defines sentinel errors and structured error types for the distribution
  engine. Callers distinguish client mistakes (bad event, reused batch ID)
  from infrastructure faults (lookup failures, sink failures) via the
  IsClientError / IsRetryable helpers rather than string matching.

ERROR CATEGORIES:
  1. Validation errors: malformed income events, never create a batch
  2. Batch lifecycle errors: conflicts, in-flight replays, bad transitions
  3. Resolution errors: inviter-chain lookup failures
  4. Credit errors: atomic sink application failures

USAGE:
  if referral.IsClientError(err) { respond 4xx }
  if referral.IsRetryable(err)   { retry with the SAME batch ID }
*/
package referral

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidAmount means the event's earned amount was zero or negative.
	ErrInvalidAmount = errors.New("earned amount must be positive")

	// ErrUnknownCurrency means the event named a currency the engine does
	// not support.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrMissingSourceUser means the event had no source user ID.
	ErrMissingSourceUser = errors.New("source user id is required")

	// ErrSourceUserNotFound means the event's source user does not exist.
	ErrSourceUserNotFound = errors.New("source user not found")

	// ErrBatchNotFound means no batch exists for the given ID.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchExists means a batch with this ID was already created.
	ErrBatchExists = errors.New("batch already exists")

	// ErrBatchFailed means the batch previously reached the failed state.
	// Retrying a failed distribution requires a fresh batch ID.
	ErrBatchFailed = errors.New("batch previously failed")

	// ErrBatchInFlight means another distribution for this batch ID is
	// still pending or processing.
	ErrBatchInFlight = errors.New("batch is still in flight")

	// ErrInvalidTransition means a batch status update violated the
	// pending -> processing -> completed|failed machine.
	ErrInvalidTransition = errors.New("invalid batch status transition")

	// ErrAncestorLookup wraps inviter-chain lookup failures.
	ErrAncestorLookup = errors.New("ancestor lookup failed")

	// ErrCreditApplication wraps atomic credit sink failures.
	ErrCreditApplication = errors.New("credit application failed")

	// ErrUserNotFound means the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists means registration reused an existing user ID.
	ErrUserExists = errors.New("user already exists")

	// ErrReferrerAlreadySet means an attempt to re-bind a user's inviter.
	// The referral edge is written once at registration and never changed.
	ErrReferrerAlreadySet = errors.New("referrer already set")

	// ErrSelfReferral means a user tried to invite themselves.
	ErrSelfReferral = errors.New("self-referral is not allowed")

	// ErrStaleRateTable means a policy swap did not increase the version.
	ErrStaleRateTable = errors.New("rate table version must increase")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports a malformed income event. No batch record is
// created for an event that fails validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid income event: field %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BatchConflictError reports a batch ID reused with a different payload.
type BatchConflictError struct {
	BatchID BatchID
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("batch %q already exists with a different payload", e.BatchID)
}

// ResolutionError reports a distribution that failed during inviter-chain
// traversal. The batch is marked failed; no balances were touched.
type ResolutionError struct {
	BatchID BatchID
	Level   int
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("batch %q: chain resolution failed at level %d: %v", e.BatchID, e.Level, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// CreditError reports a distribution whose credit application failed.
// The sink is all-or-nothing, so no partial credits were applied.
type CreditError struct {
	BatchID BatchID
	Err     error
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("batch %q: applying credits: %v", e.BatchID, e.Err)
}

func (e *CreditError) Unwrap() error { return e.Err }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsClientError reports whether the error is the caller's fault: a bad
// event, a conflicting or exhausted batch ID, or an unknown entity.
func IsClientError(err error) bool {
	var ve *ValidationError
	var ce *BatchConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownCurrency) ||
		errors.Is(err, ErrMissingSourceUser) ||
		errors.Is(err, ErrSourceUserNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrBatchFailed) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrReferrerAlreadySet) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrStaleRateTable)
}

// IsRetryable reports whether retrying the same call, with the same batch
// ID, may succeed. Resolution and credit failures mark the batch failed,
// so their retry needs a fresh batch ID and is not retryable as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBatchInFlight)
}
