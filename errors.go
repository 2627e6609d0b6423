package updater

import (
	"context"
	stderrs "errors"

	"github.com/pkg/errors"
)

// Error kinds.
// Every error surfaced by this module that belongs to one of these kinds
// satisfies errors.Is(err, kind),
// while still unwrapping to its underlying cause.
var (
	// ErrTransport means the archive could not be reached or read.
	// Transient transport errors are retried before they surface.
	ErrTransport = errors.New("transport error")

	// ErrMalformedArchive means the archive header could not be parsed or validated.
	// It is never retried.
	ErrMalformedArchive = errors.New("malformed archive")

	// ErrIntegrity means a decompressed chunk did not match its hash,
	// or a rebuilt file did not match the archive's whole-file hash.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrDecode means a chunk could not be decompressed.
	ErrDecode = errors.New("decode error")

	// ErrIO means a local file operation failed.
	ErrIO = errors.New("local I/O error")

	// ErrCancelled means the operation was stopped by its caller.
	// It is not a failure.
	ErrCancelled = errors.New("cancelled")

	errRetryable = errors.New("retryable")
)

var kinds = []error{ErrCancelled, ErrIntegrity, ErrMalformedArchive, ErrDecode, ErrIO, ErrTransport}

type kindErr struct {
	kind error
	err  error
}

func (e *kindErr) Error() string        { return e.err.Error() }
func (e *kindErr) Unwrap() error        { return e.err }
func (e *kindErr) Is(target error) bool { return target == e.kind }

// Mark tags err with the given kind.
// It returns nil if err is nil,
// and err itself if it already has that kind.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, kind) {
		return err
	}
	return &kindErr{kind: kind, err: err}
}

// Retryable marks err as a transient transport error.
func Retryable(err error) error {
	return Mark(ErrTransport, Mark(errRetryable, err))
}

// IsRetryable tells whether err was marked with Retryable
// and is not the result of a cancelled context.
func IsRetryable(err error) bool {
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}
	return stderrs.Is(err, errRetryable)
}

// Canceled marks err as ErrCancelled if it stems from a done context.
// Otherwise it returns err unchanged.
func Canceled(err error) error {
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return Mark(ErrCancelled, err)
	}
	return err
}

// Kind reports which error kind err belongs to,
// or nil if it belongs to none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	for _, k := range kinds {
		if stderrs.Is(err, k) {
			return k
		}
	}
	return nil
}
