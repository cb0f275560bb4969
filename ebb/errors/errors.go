package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrShuttingDown  = errors.New("client is shutting down")
)

// ValidationError rejects a malformed submission before it enters the
// queue. It is always terminal.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RateLimitedError signals quota exhaustion, either a local limiter
// deferral or a 429-equivalent from the external API. Handlers return it
// to request a requeue with backoff.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on scope %s, retry after %v", e.Scope, e.RetryAfter)
}

func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}

// TransientError wraps timeouts and temporary network or storage
// failures. Retried up to the retry ceiling.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TerminalError marks a failure that must never be retried: permission
// or auth failures, requests the external API rejects as malformed.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("terminal failure: %s", e.Reason)
}

func (e *TerminalError) Unwrap() error { return e.Err }

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// StoreUnavailableError is an infrastructure failure of the job store or
// counter store. It backs off the worker poll loop and never mutates a
// job.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func IsStoreUnavailable(err error) bool {
	var sue *StoreUnavailableError
	return errors.As(err, &sue)
}

type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

func IsJobNotFound(err error) bool {
	var jnf *JobNotFoundError
	return errors.As(err, &jnf)
}

// InvalidTransitionError is returned when a mutation would move a job
// along an edge not present in the state machine.
type InvalidTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// NotOwnerError is returned when a worker tries to commit a result for a
// job it no longer holds, typically after a concurrent cancellation.
type NotOwnerError struct {
	JobID    string
	WorkerID string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("job %s is not held by worker %s", e.JobID, e.WorkerID)
}

func IsNotOwner(err error) bool {
	var noe *NotOwnerError
	return errors.As(err, &noe)
}

// HandlerNotFoundError is returned when a claimed job's kind has no
// registered handler.
type HandlerNotFoundError struct {
	Kind string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for job kind: %s", e.Kind)
}

func IsHandlerNotFound(err error) bool {
	var hnf *HandlerNotFoundError
	return errors.As(err, &hnf)
}
