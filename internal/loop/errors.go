package loop

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Every operation in loopd fails with one of these, wrapped in
// an *OpError that names the operation and entity.
var (
	// ErrInvalidInput is returned for malformed or empty arguments, before any I/O.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable is returned when the embedding gateway fails or
	// returns a vector of unexpected dimensionality.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexUnavailable is returned when the vector index cannot be queried.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrCollectionMissing is returned when the vector collection has not been created.
	ErrCollectionMissing = errors.New("vector collection missing")

	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrThresholdNotMet   = errors.New("promotion threshold not met")
	ErrNotFound          = errors.New("not found")

	// ErrCancelled is returned when the caller's context is cancelled or its
	// deadline passes. No partial write is made.
	ErrCancelled = errors.New("operation cancelled")

	// ErrStoreConflict is returned when a concurrent write was detected. The
	// caller must retry the whole operation.
	ErrStoreConflict = errors.New("store conflict")
)

// OpError records the operation and entity that failed.
type OpError struct {
	Op  string // operation, e.g. "lifecycle.promote"
	ID  string // entity id, may be empty
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the sentinel.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap attaches operation context to err. Context cancellation is folded into
// ErrCancelled while the original cause stays reachable. Errors that already
// carry an *OpError are returned as is.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	if !errors.Is(err, ErrCancelled) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return &OpError{Op: op, ID: id, Err: err}
}

// Errorf builds an *OpError around a sentinel with a formatted detail.
func Errorf(op, id string, sentinel error, format string, args ...any) error {
	return &OpError{Op: op, ID: id, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// CheckContext returns a wrapped ErrCancelled if ctx is done.
func CheckContext(ctx context.Context, op, id string) error {
	if err := ctx.Err(); err != nil {
		return Wrap(op, id, err)
	}
	return nil
}

// IsInformational reports whether err is a "not yet" outcome rather than a
// fault. Callers surface these to users without treating them as failures.
func IsInformational(err error) bool {
	return errors.Is(err, ErrThresholdNotMet) || errors.Is(err, ErrInvalidTransition)
}

// IsRetryable reports whether the whole operation may be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict) ||
		errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrIndexUnavailable)
}
