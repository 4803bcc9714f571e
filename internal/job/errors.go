// ABOUTME: Error taxonomy for job execution: sentinels plus retryable/permanent wrappers.
// ABOUTME: Unclassified handler errors default to retryable; unknown kinds are always permanent.
package job

import "errors"

// Sentinel errors shared across the task core.
var (
	// ErrBrokerUnavailable means the broker transport could not be reached.
	// Enqueue callers must treat this as "job not enqueued" and surface it;
	// never swallow it.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnknownKind means a job names a kind with no registered handler.
	// Always a permanent failure — a misconfiguration, not a transient fault.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrNotFound is returned by status reads for an unknown job ID.
	ErrNotFound = errors.New("job not found")
)

// RetryableError marks a handler failure as transient: the job is redelivered
// with backoff until MaxAttempts is exhausted.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// PermanentError marks a handler failure as unrecoverable: the job moves to
// the terminal failed state without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as an unrecoverable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was classified permanent by its handler.
// Unclassified errors are treated as retryable: with idempotent handlers a
// spurious retry is harmless, a spurious permanent failure loses work.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrUnknownKind)
}
