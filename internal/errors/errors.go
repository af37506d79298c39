package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound   = errors.New("configuration file not found")
	ErrStateFileMissing = errors.New("state file missing")
	ErrJobNotFound      = errors.New("job not found")

	ErrInvalidURL          = errors.New("invalid url")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrCanceled            = errors.New("canceled")
	ErrEngineUnavailable   = errors.New("extraction engine unavailable")
	ErrDecodeFailure       = errors.New("decode failure")

	ErrPartFileBusy      = errors.New("part file is held by another writer")
	ErrSizeMismatch      = errors.New("received size does not match expected size")
	ErrIllegalTransition = errors.New("illegal job state transition")
	ErrNoFormats         = errors.New("no formats selected")
	ErrInvalidOutputDir  = errors.New("output directory must be relative to the download directory")
	ErrShuttingDown      = errors.New("service is shutting down")
)

// TransferInterruptedError reports a network failure in the middle of a
// download. The part file holds BytesReceived bytes and can be resumed.
type TransferInterruptedError struct {
	BytesReceived int64
	Err           error
}

func (e *TransferInterruptedError) Error() string {
	return fmt.Sprintf("transfer interrupted after %d bytes: %v", e.BytesReceived, e.Err)
}

func (e *TransferInterruptedError) Unwrap() error {
	return e.Err
}

// DecodeError wraps malformed metadata coming from the extraction engine.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailure
}

// StatusError is returned for non-2xx responses that have no dedicated sentinel.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %s", e.Status)
}

// Retryable reports whether re-invoking the failed operation can make progress.
func Retryable(err error) bool {
	var interrupted *TransferInterruptedError
	return errors.As(err, &interrupted)
}

// Canceled wraps cause so that both ErrCanceled and cause match errors.Is.
func Canceled(cause error) error {
	if cause == nil || errors.Is(cause, ErrCanceled) {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// IsCanceled reports whether err came from a caller-initiated abort.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
